package testsupport

import (
	"path/filepath"
	"testing"

	"fetchd/internal/config"
	"fetchd/internal/schedule"
)

// MustOpenStore opens a schedule.Store under the config's log directory and
// registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *schedule.Store {
	t.Helper()

	store, err := schedule.Open(filepath.Join(cfg.Paths.LogDir, "schedule.db"))
	if err != nil {
		t.Fatalf("schedule.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
