package config

const (
	defaultDownloadDir         = "~/.local/share/fetchd/downloads"
	defaultLogDir              = "~/.local/share/fetchd/logs"
	defaultCookieDir           = "~/.config/fetchd/cookies"
	defaultConcurrencyLimit    = 3
	defaultNotifyDebounceMS    = 1500
	defaultNotifyPrefixLimit   = 10
	defaultProgressIntervalMS  = 300
	defaultRetryAttempts       = 2
	defaultRetryBaseDelayMS    = 500
	defaultProbeTimeout        = 60
	defaultFetchTimeout        = 1800
	defaultMinDurationSeconds  = 1
	defaultResolverTimeout     = 30
	defaultPollInterval        = 30
	defaultPlaylistItemDelayMS = 750
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

var defaultProviderOrder = []string{"ytdlp", "resolver"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DownloadDir: defaultDownloadDir,
			LogDir:      defaultLogDir,
			CookieDir:   defaultCookieDir,
		},
		Queue: Queue{
			ConcurrencyLimit:   defaultConcurrencyLimit,
			NotifyDebounceMS:   defaultNotifyDebounceMS,
			NotifyPrefixLimit:  defaultNotifyPrefixLimit,
			ProgressIntervalMS: defaultProgressIntervalMS,
		},
		Providers: Providers{
			Order:              append([]string{}, defaultProviderOrder...),
			RetryAttempts:      defaultRetryAttempts,
			RetryBaseDelayMS:   defaultRetryBaseDelayMS,
			ProbeTimeout:       defaultProbeTimeout,
			FetchTimeout:       defaultFetchTimeout,
			MinDurationSeconds: defaultMinDurationSeconds,
		},
		YtDlp: YtDlp{
			Binary: "yt-dlp",
		},
		Resolver: Resolver{
			RequestTimeout: defaultResolverTimeout,
		},
		Scheduler: Scheduler{
			PollInterval:        defaultPollInterval,
			PlaylistItemDelayMS: defaultPlaylistItemDelayMS,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
