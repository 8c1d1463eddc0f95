package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"fetchd/internal/config"
	"fetchd/internal/cookies"
	"fetchd/internal/daemon"
	"fetchd/internal/logging"
	"fetchd/internal/providers"
)

func newProbeCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "probe URL",
		Short: "Resolve metadata and available formats for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(*configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			chain, err := daemon.BuildChain(cfg, logging.NewNop())
			if err != nil {
				return err
			}

			url := args[0]
			opts := providers.Options{
				CookieFile: cookies.NewResolver(cfg.Paths.CookieDir).ResolveAuthFor(url),
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Providers.ProbeTimeout)*time.Second)
			defer cancel()
			result, err := chain.Probe(ctx, url, opts)
			if err != nil {
				return fmt.Errorf("probe: %w", err)
			}

			out := cmd.OutOrStdout()
			styled := shouldColorize(out)

			title := result.Title
			if title == "" {
				title = url
			}
			fmt.Fprintln(out, renderHeading(title, styled))
			if result.Duration > 0 {
				fmt.Fprintf(out, "Duration:  %s\n", formatDuration(result.Duration))
			}
			fmt.Fprintf(out, "Providers: %s\n", providerDisplayNames(cfg))
			if opts.CookieFile != "" {
				fmt.Fprintf(out, "Cookies:   %s\n", opts.CookieFile)
			}

			if len(result.Formats) == 0 {
				fmt.Fprintln(out, "No formats reported")
				return nil
			}

			rows := make([][]string, 0, len(result.Formats))
			for _, format := range result.Formats {
				rows = append(rows, []string{
					format.ID,
					format.Note,
					format.Container,
					formatCodecs(format),
					formatSize(format.SizeBytes),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Note", "Container", "Codecs", "Size"},
				rows,
				[]int{5},
				styled,
			))
			return nil
		},
	}
}

// providerDisplayNames lists the active chain members in dispatch order,
// title-cased for display.
func providerDisplayNames(cfg *config.Config) string {
	caser := cases.Title(language.English)
	var names []string
	for _, name := range cfg.Providers.Order {
		if name == "resolver" && !cfg.Resolver.Enabled {
			continue
		}
		names = append(names, caser.String(name))
	}
	return strings.Join(names, ", ")
}

func formatCodecs(format providers.Format) string {
	var parts []string
	if format.HasVideo && format.VideoCodec != "" {
		parts = append(parts, format.VideoCodec)
	}
	if format.HasAudio && format.AudioCodec != "" {
		parts = append(parts, format.AudioCodec)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "+")
}

func formatSize(bytes int64) string {
	if bytes <= 0 {
		return "-"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	value := float64(bytes)
	suffixes := []string{"KiB", "MiB", "GiB", "TiB"}
	for _, suffix := range suffixes {
		value /= unit
		if value < unit || suffix == suffixes[len(suffixes)-1] {
			return fmt.Sprintf("%.1f %s", value, suffix)
		}
	}
	return fmt.Sprintf("%.1f TiB", value)
}

func formatDuration(seconds float64) string {
	total := int64(seconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%d:%02d", minutes, secs)
}
