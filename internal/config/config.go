// Package config loads and validates repertory's on-disk configuration
// (spec.md §5, "config"): cache layout, throttle limits, ring buffer
// sizing, and which provider backs the mount. It is grounded on the
// pack's viper-based layered-config convention (env override over a
// YAML file over defaults) rather than the teacher's own fs/config,
// which is an INI store tightly coupled to rclone's remote-definition
// model and has no analogue for spec.md's single-mount, single-provider
// shape; struct-tag validation follows the same
// go-playground/validator usage the pack's other services apply to
// their config structs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ProviderKind selects which backing store file_manager drives.
type ProviderKind string

const (
	ProviderS3     ProviderKind = "s3"
	ProviderSia    ProviderKind = "sia"
	ProviderRemote ProviderKind = "remote"
)

// Config is the full set of tunables spec.md §5 names, plus the
// provider-specific sub-configs needed to construct whichever backend
// is selected.
type Config struct {
	CacheDir          string        `mapstructure:"cache_dir" validate:"required"`
	ChunkSize         int64         `mapstructure:"chunk_size" validate:"required,gt=0"`
	RingBufferSize    int64         `mapstructure:"ring_buffer_size" validate:"gte=0"`
	UseRingBuffer     bool          `mapstructure:"use_ring_buffer"`
	MaxConcurrentDL   int           `mapstructure:"max_concurrent_downloads" validate:"gte=0"`
	MaxConcurrentUL   int           `mapstructure:"max_concurrent_uploads" validate:"gte=0"`
	UploadRetryWait   time.Duration `mapstructure:"upload_retry_wait"`
	OrphanSweepPeriod time.Duration `mapstructure:"orphan_sweep_period"`

	Provider ProviderKind `mapstructure:"provider" validate:"required,oneof=s3 sia remote"`

	S3     S3Options     `mapstructure:"s3"`
	Sia    SiaOptions    `mapstructure:"sia"`
	Remote RemoteOptions `mapstructure:"remote"`

	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	// PacketListenAddr, if set, runs a packet.Server on this address so
	// this instance can itself act as a peer for other repertory
	// instances' remote provider (spec.md §4.9).
	PacketListenAddr string `mapstructure:"packet_listen_addr"`
	PacketKeyHex     string `mapstructure:"packet_key_hex"`
}

// S3Options mirrors internal/provider/s3.Options for config binding.
type S3Options struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// SiaOptions mirrors internal/provider/sia.Options for config binding.
type SiaOptions struct {
	APIURL      string `mapstructure:"api_url"`
	APIPassword string `mapstructure:"api_password"`
	UserAgent   string `mapstructure:"user_agent"`
}

// RemoteOptions configures the peer this instance dials when
// Provider == remote.
type RemoteOptions struct {
	Addr        string `mapstructure:"addr"`
	NumConns    int    `mapstructure:"num_conns" validate:"gte=0"`
	KeyHex      string `mapstructure:"key_hex"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("chunk_size", 8*1024*1024)
	v.SetDefault("ring_buffer_size", 64*1024*1024)
	v.SetDefault("use_ring_buffer", true)
	v.SetDefault("max_concurrent_downloads", 8)
	v.SetDefault("max_concurrent_uploads", 4)
	v.SetDefault("upload_retry_wait", 30*time.Second)
	v.SetDefault("orphan_sweep_period", 5*time.Minute)
	v.SetDefault("log_level", "info")
	v.SetDefault("s3.num_conns", 4)
	v.SetDefault("remote.num_conns", 4)
	v.SetDefault("remote.dial_timeout", 10*time.Second)
}

// Load reads configPath (if non-empty) as YAML, layers REPERTORY_*
// environment overrides on top, applies defaults for anything still
// unset, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("repertory")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation plus the few cross-field checks
// validator's tags can't express (provider-specific option presence).
func Validate(cfg *Config) error {
	val := validator.New()
	if err := val.Struct(cfg); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	switch cfg.Provider {
	case ProviderS3:
		if cfg.S3.Bucket == "" {
			return fmt.Errorf("provider s3 requires s3.bucket")
		}
	case ProviderSia:
		// APIURL/APIPassword may be empty: internal/provider/sia.New
		// applies its own localhost default.
	case ProviderRemote:
		if cfg.Remote.Addr == "" {
			return fmt.Errorf("provider remote requires remote.addr")
		}
	}
	return nil
}
