package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for a librarian node.
type Config struct {
	// Name uniquely identifies this librarian within its federation.
	Name        string `toml:"name"`
	Description string `toml:"description"`
	// URL is the address peers use to reach this node.
	URL     string `toml:"url"`
	BaseDir string `toml:"base_dir"`
	LogDir  string `toml:"log_dir"`
	// Port the HTTP server listens on.
	Port int `toml:"port"`

	Database  DatabaseConfig   `toml:"database"`
	Checksum  ChecksumConfig   `toml:"checksum"`
	Stores    []StoreConfig    `toml:"stores"`
	Managers  []ManagerConfig  `toml:"transfer_managers"`
	Tasks     TasksConfig      `toml:"tasks"`
	Metrics   MetricsConfig    `toml:"metrics"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ChecksumConfig controls how digests are calculated.
type ChecksumConfig struct {
	// Algorithm tags every new digest. One of md5, sha256, sha512, xxh64.
	Algorithm string `toml:"algorithm"`
	// Threads bounds concurrent hashing inside a directory tree.
	Threads int `toml:"threads"`
	// CacheAge is how long a stored instance checksum stays fresh before
	// integrity checks recalculate it.
	CacheAge Interval `toml:"cache_age"`
}

// StoreConfig represents configuration for a store backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type       string `toml:"type"` // "local" or "memory"
	Name       string `toml:"name"`
	Ingestable bool   `toml:"ingestable"`

	// Local-specific fields (only used when Type == "local")
	StagingDir string `toml:"staging_dir,omitempty"`
	StoreDir   string `toml:"store_dir,omitempty"`
	// MinFreeFraction rejects staging requests that would drop free
	// space below this fraction of the volume.
	MinFreeFraction float64 `toml:"min_free_fraction,omitempty"`
	GroupWrite      bool    `toml:"group_write,omitempty"`
	OtherRead       bool    `toml:"other_read,omitempty"`
}

// ManagerConfig represents configuration for a transfer manager.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ManagerConfig struct {
	Type string `toml:"type"` // "local", "asynclocal", "rsync", or "globus"

	// Asynclocal-specific fields (only used when Type == "asynclocal").
	// The manager is valid only on hosts named here, since both sides
	// must see the same filesystem.
	Hostnames []string `toml:"hostnames,omitempty"`

	// Rsync-specific fields (only used when Type == "rsync")
	RsyncHost string `toml:"rsync_host,omitempty"`

	// Globus-specific fields (only used when Type == "globus")
	GlobusClientID       string `toml:"globus_client_id,omitempty"`
	GlobusClientSecret   string `toml:"globus_client_secret,omitempty"`
	GlobusLocalEndpoint  string `toml:"globus_local_endpoint,omitempty"`
	GlobusRemoteEndpoint string `toml:"globus_remote_endpoint,omitempty"`
	GlobusLocalRoot      string `toml:"globus_local_root,omitempty"`
	GlobusNative         bool   `toml:"globus_native,omitempty"`
}

// PeerConfig names a remote librarian this node sends to or receives
// from. Credentials are the account on the peer, not a local account.
type PeerConfig struct {
	Name     string `toml:"name"`
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// TaskConfig controls one background task.
type TaskConfig struct {
	Enabled bool `toml:"enabled"`
	// Interval between runs.
	Interval Interval `toml:"interval"`
	// SoftTimeout is the deadline a run tries to respect by stopping
	// between items. Zero means no deadline.
	SoftTimeout Interval `toml:"soft_timeout,omitempty"`
}

// TasksConfig holds one entry per background task plus shared knobs.
type TasksConfig struct {
	SendClone        TaskConfig `toml:"send_clone"`
	ConsumeQueue     TaskConfig `toml:"consume_queue"`
	CheckQueue       TaskConfig `toml:"check_queue"`
	ReceiveClone     TaskConfig `toml:"receive_clone"`
	IncomingWatch    TaskConfig `toml:"incoming_watchdog"`
	OutgoingWatch    TaskConfig `toml:"outgoing_watchdog"`
	CheckIntegrity   TaskConfig `toml:"check_integrity"`
	CorruptionFixer  TaskConfig `toml:"corruption_fixer"`
	RollingDeletion  TaskConfig `toml:"rolling_deletion"`
	DuplicateCleanup TaskConfig `toml:"duplicate_cleanup"`

	// TransferAge marks inbound and outbound transfers stale after this
	// long without progress.
	TransferAge Interval `toml:"transfer_age"`
	// MaxRetries before a send queue entry is marked failed.
	MaxRetries int `toml:"max_retries"`

	// SendClone settings.
	SendDestinations []string `toml:"send_destinations,omitempty"`
	SendAge          Interval `toml:"send_age,omitempty"`
	SendBatch        int      `toml:"send_batch,omitempty"`

	// CheckIntegrity settings.
	IntegrityStore string `toml:"integrity_store,omitempty"`
	IntegrityBatch int    `toml:"integrity_batch,omitempty"`

	// RollingDeletion settings.
	DeletionStore              string   `toml:"deletion_store,omitempty"`
	DeletionAge                Interval `toml:"deletion_age,omitempty"`
	DeletionRemoteCopies       int      `toml:"deletion_remote_copies,omitempty"`
	DeletionVerifyDownstream   bool     `toml:"deletion_verify_downstream,omitempty"`
	DeletionMarkUnavailable    bool     `toml:"deletion_mark_unavailable,omitempty"`
	DeletionForce              bool     `toml:"deletion_force,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Peers lives at the top level of the config file.
type Peers struct {
	Peers []PeerConfig `toml:"peers"`
}

// Interval wraps time.Duration so TOML values can be written as "30m".
type Interval struct {
	time.Duration
}

func (i *Interval) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	i.Duration = parsed
	return nil
}

func (i Interval) MarshalText() ([]byte, error) {
	return []byte(i.Duration.String()), nil
}

// Every builds an Interval from a time.Duration.
func Every(d time.Duration) Interval { return Interval{d} }

// NewConfig creates a new Config with the provided values and defaults
// suitable for a single-node setup.
func NewConfig(name, baseDir string) *Config {
	return &Config{
		Name:    name,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Port:    21106,
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Checksum: ChecksumConfig{
			Algorithm: "md5",
			Threads:   4,
			CacheAge:  Every(7 * 24 * time.Hour),
		},
		Stores: []StoreConfig{
			{
				Type:            "local",
				Name:            "primary",
				Ingestable:      true,
				StagingDir:      filepath.Join(baseDir, "staging"),
				StoreDir:        filepath.Join(baseDir, "store"),
				MinFreeFraction: 0.05,
			},
		},
		Managers: []ManagerConfig{
			{Type: "local"},
		},
		Tasks: TasksConfig{
			SendClone:        TaskConfig{Enabled: true, Interval: Every(5 * time.Minute)},
			ConsumeQueue:     TaskConfig{Enabled: true, Interval: Every(1 * time.Minute)},
			CheckQueue:       TaskConfig{Enabled: true, Interval: Every(1 * time.Minute)},
			ReceiveClone:     TaskConfig{Enabled: true, Interval: Every(1 * time.Minute)},
			IncomingWatch:    TaskConfig{Enabled: true, Interval: Every(30 * time.Minute)},
			OutgoingWatch:    TaskConfig{Enabled: true, Interval: Every(30 * time.Minute)},
			CheckIntegrity:   TaskConfig{Enabled: false, Interval: Every(24 * time.Hour), SoftTimeout: Every(1 * time.Hour)},
			CorruptionFixer:  TaskConfig{Enabled: true, Interval: Every(1 * time.Hour), SoftTimeout: Every(30 * time.Minute)},
			RollingDeletion:  TaskConfig{Enabled: false, Interval: Every(24 * time.Hour), SoftTimeout: Every(1 * time.Hour)},
			DuplicateCleanup: TaskConfig{Enabled: true, Interval: Every(24 * time.Hour)},
			TransferAge:      Every(7 * 24 * time.Hour),
			MaxRetries:       3,
			IntegrityBatch:   100,
			DeletionAge:      Every(30 * 24 * time.Hour),
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// ReadPeersFromFile reads the peer list from its own file so credentials
// can carry tighter permissions than the main config.
func ReadPeersFromFile(path string) ([]PeerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open peers file: %w", err)
	}
	defer f.Close()

	var peers Peers
	if _, err := toml.NewDecoder(f).Decode(&peers); err != nil {
		return nil, fmt.Errorf("reading peers from %s: %w", path, err)
	}
	return peers.Peers, nil
}

// writeToFile writes a Config to the specified file path.
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
