// File: cmd/helpers_test.go
package cmd

import (
	"path/filepath"
	"testing"

	"github.com/nxshade/evold/internal/config"
)

// testConfig returns a validated default configuration pointed at temp
// directories, so commands under test never touch real state. The
// workspace root holds no repository; cycles against it fail cleanly.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Logger.LogFile = ""
	cfg.Store.Dir = filepath.Join(t.TempDir(), "state")
	cfg.Workspace.Root = t.TempDir()
	cfg.A2A.Dir = filepath.Join(cfg.Store.Dir, "a2a")
	cfg.A2A.NodeID = "node-test"
	return cfg
}
