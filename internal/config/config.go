package config

import (
	"bytes"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"

	"github.com/myuser/uranus/internal/mvcc"
)

const (
	KB = 1024
	MB = 1024 * 1024

	// leaves room for record framing under the WAL entry limit
	maxWriteBytes = 3 * 1024 * MB
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Txn      TxnConfig      `toml:"txn"`
	Protocol ProtocolConfig `toml:"protocol"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// AdminAddr serves /metrics over HTTP. Empty disables it.
	AdminAddr string `toml:"admin_addr"`
	// Transactions idle for longer are aborted by the reaper.
	IdleTxnTimeout time.Duration `toml:"idle_txn_timeout"`
	ReapInterval   time.Duration `toml:"reap_interval"`
}

type StorageConfig struct {
	DataDir      string `toml:"data_dir"`
	MaxKeySize   int    `toml:"max_key_size"`
	MaxValueSize int    `toml:"max_value_size"`

	CompactInterval    time.Duration `toml:"compact_interval"`
	CheckpointInterval time.Duration `toml:"checkpoint_interval"`

	WALSegmentSize int64 `toml:"wal_segment_size"`
	// WALNoSync skips fsync on commit. Commits are then not durable across
	// machine crashes; only use it for tests and benchmarks.
	WALNoSync bool `toml:"wal_no_sync"`
}

type TxnConfig struct {
	Isolation string `toml:"isolation"`
	ScanLimit int    `toml:"scan_limit"`
	// MaxWriteBytes caps the keys and values one transaction may buffer.
	MaxWriteBytes int64 `toml:"max_write_bytes"`
}

type ProtocolConfig struct {
	MaxBinaryLen int `toml:"max_binary_len"`
	MaxArrayLen  int `toml:"max_array_len"`
	MaxLineLen   int `toml:"max_line_len"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// Format is "console" or "json".
	Format string `toml:"format"`
	// File enables rotated file output instead of stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:12322",
			AdminAddr:      "127.0.0.1:12380",
			IdleTxnTimeout: 60 * time.Second,
			ReapInterval:   5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:            "./data",
			MaxKeySize:         4 * KB,
			MaxValueSize:       1 * MB,
			CompactInterval:    30 * time.Second,
			CheckpointInterval: 10 * time.Minute,
			WALSegmentSize:     64 * MB,
		},
		Txn: TxnConfig{
			Isolation:     mvcc.Snapshot.String(),
			ScanLimit:     10000,
			MaxWriteBytes: 64 * MB,
		},
		Protocol: ProtocolConfig{
			MaxBinaryLen: 8 * MB,
			MaxArrayLen:  1 << 20,
			MaxLineLen:   64 * KB,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  300,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load reads a TOML file over the defaults. Unknown keys are an error so
// that typos do not silently fall back to defaults.
func Load(path string) (*Config, error) {
	c := Default()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Errorf("config %s contains undefined items: %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if c.Server.IdleTxnTimeout < 0 || c.Server.ReapInterval < 0 {
		return errors.New("server timeouts must not be negative")
	}
	if c.Server.IdleTxnTimeout > 0 && c.Server.ReapInterval <= 0 {
		return errors.New("server.reap_interval must be positive when idle_txn_timeout is set")
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir must be set")
	}
	if c.Storage.MaxKeySize <= 0 || c.Storage.MaxValueSize <= 0 {
		return errors.New("storage.max_key_size and storage.max_value_size must be positive")
	}
	if c.Storage.WALSegmentSize <= 0 {
		return errors.New("storage.wal_segment_size must be positive")
	}
	if _, err := c.Isolation(); err != nil {
		return errors.Wrap(err, "txn.isolation")
	}
	if c.Txn.ScanLimit < 0 {
		return errors.New("txn.scan_limit must not be negative")
	}
	if c.Txn.MaxWriteBytes < int64(c.Storage.MaxKeySize+c.Storage.MaxValueSize) || c.Txn.MaxWriteBytes > maxWriteBytes {
		return errors.Errorf("txn.max_write_bytes must be between one key and value and %d", int64(maxWriteBytes))
	}
	if c.Protocol.MaxBinaryLen < c.Storage.MaxValueSize || c.Protocol.MaxBinaryLen < c.Storage.MaxKeySize {
		return errors.Errorf("protocol.max_binary_len (%d) must fit the largest key and value", c.Protocol.MaxBinaryLen)
	}
	if c.Protocol.MaxArrayLen <= 0 || c.Protocol.MaxLineLen <= 0 {
		return errors.New("protocol limits must be positive")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return errors.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) Isolation() (mvcc.Isolation, error) {
	return mvcc.ParseIsolation(c.Txn.Isolation)
}

// String renders the effective configuration as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "<invalid config>"
	}
	return buf.String()
}
