// audex/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// Engine artifacts. ENGINE_URL is the large converter binary,
	// PROBE_URL its companion inspector. Both are cached by URL.
	EngineURL          string        `mapstructure:"ENGINE_URL"`
	ProbeURL           string        `mapstructure:"PROBE_URL"`
	EngineBin          string        `mapstructure:"ENGINE_BIN"` // local binaries bypass the fetch
	ProbeBin           string        `mapstructure:"PROBE_BIN"`
	CacheDir           string        `mapstructure:"CACHE_DIR"`
	EngineLoadAttempts int           `mapstructure:"ENGINE_LOAD_ATTEMPTS"`
	EngineLoadTimeout  time.Duration `mapstructure:"ENGINE_LOAD_TIMEOUT"`

	// Storage.
	DataDir   string `mapstructure:"DATA_DIR"`
	ChunkSize int64  `mapstructure:"CHUNK_SIZE"`

	// Ingest limits.
	MaxFileSize        int64 `mapstructure:"MAX_FILE_SIZE"`
	RecommendedMaxSize int64 `mapstructure:"RECOMMENDED_MAX_SIZE"`

	// Conversion.
	EngineChunkSize     int64         `mapstructure:"ENGINE_CHUNK_SIZE"`
	ConvertExtraArgs    string        `mapstructure:"CONVERT_EXTRA_ARGS"`
	MaxConcurrency      int           `mapstructure:"MAX_CONCURRENCY"`
	OrphanSweepInterval time.Duration `mapstructure:"ORPHAN_SWEEP_INTERVAL"`

	// Resource throttling before each conversion.
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	// HTTP surface.
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to time.Duration.
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to int64s for byte sizes.
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("ENGINE_URL", "https://github.com/eugeneware/ffmpeg-static/releases/download/b6.0/ffmpeg-linux-x64")
	vp.SetDefault("PROBE_URL", "https://github.com/eugeneware/ffmpeg-static/releases/download/b6.0/ffprobe-linux-x64")
	vp.SetDefault("ENGINE_BIN", "")
	vp.SetDefault("PROBE_BIN", "")
	vp.SetDefault("CACHE_DIR", "")
	vp.SetDefault("ENGINE_LOAD_ATTEMPTS", 3)
	vp.SetDefault("ENGINE_LOAD_TIMEOUT", "30s")
	vp.SetDefault("DATA_DIR", "")
	vp.SetDefault("CHUNK_SIZE", "10MB")
	vp.SetDefault("MAX_FILE_SIZE", "2GB")
	vp.SetDefault("RECOMMENDED_MAX_SIZE", "500MB")
	vp.SetDefault("ENGINE_CHUNK_SIZE", "50MB")
	vp.SetDefault("CONVERT_EXTRA_ARGS", "")
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("ORPHAN_SWEEP_INTERVAL", "10m")
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")

	// Load from config file
	vp.SetConfigName("audex_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/audex/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("AUDEX")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Unmarshal the config, providing our custom composed hooks.
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
