package torrentcore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig.MaxPeers, cfg.MaxPeers)
	require.Equal(t, DefaultConfig.EndgameThreshold, cfg.EndgameThreshold)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_peers: 10\nsequential: true\ndownload_dir: /tmp/x\n"), 0640))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.MaxPeers)
	require.True(t, cfg.Sequential)
	require.Equal(t, "/tmp/x", cfg.DownloadDir)
	require.Equal(t, DefaultConfig.EndgameThreshold, cfg.EndgameThreshold) // untouched field keeps its default
}
