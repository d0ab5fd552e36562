package torrentcore

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the tunables a front end may want to override; every
// field defaults to the value spec.md names for it.
type Config struct {
	// ListenAddr is the address Manager.accept binds for inbound peer
	// connections. Empty disables accepting entirely (outgoing-only).
	ListenAddr string `yaml:"listen_addr"`

	// DownloadDir is where a Download using the local file sink writes.
	DownloadDir string `yaml:"download_dir"`

	// MaxPeers is the peer manager's simultaneous-connection ceiling.
	MaxPeers int `yaml:"max_peers"`

	// Sequential requests pieces in index order instead of rarest-first,
	// e.g. for streaming playback of the first file.
	Sequential bool `yaml:"sequential"`

	// EndgameThreshold is how few globally-unrequested blocks trigger
	// endgame duplicate requesting, once the download also passes
	// EndgameProgress.
	EndgameThreshold uint32 `yaml:"endgame_threshold"`

	// EndgameProgress is the fraction complete (0-1) required, in
	// addition to EndgameThreshold, before endgame mode engages.
	EndgameProgress float64 `yaml:"endgame_progress"`

	// CheckpointInterval is how often the resume log is rewritten while
	// a download runs. A config file may give it as a duration string
	// such as "10s" or as a plain integer of nanoseconds.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// ResumePath is where the resume log is read from and written to.
	// Empty disables checkpointing.
	ResumePath string `yaml:"resume_path"`

	// BlocklistPath is where banned peer IDs persist across restarts.
	// Empty disables the blocklist.
	BlocklistPath string `yaml:"blocklist_path"`
}

// DefaultConfig mirrors the constants named throughout spec.md.
var DefaultConfig = Config{
	DownloadDir:        ".",
	MaxPeers:           50,
	EndgameThreshold:   20,
	EndgameProgress:    0.95,
	CheckpointInterval: 10 * time.Second,
	ResumePath:         "",
	BlocklistPath:      "",
}

// LoadFile reads a YAML config from filename, falling back to
// DefaultConfig for any field the file doesn't set. A missing file is
// not an error: the defaults are returned as-is.
func LoadFile(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
