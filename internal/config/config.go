package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type BridgeConfig struct {
	ID     string `mapstructure:"id"`
	Region string `mapstructure:"region"`
	URL    string `mapstructure:"url"`
}

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	AllocationTimeout time.Duration `mapstructure:"allocation_timeout"`
	SignalingTimeout  time.Duration `mapstructure:"signaling_timeout"`

	// StripSimulcast controls whether offers sent to participants carry the
	// full simulcast layer set or only group primaries.
	StripSimulcast bool `mapstructure:"strip_simulcast"`

	// SCTP association defaults for the data content. Defaults, not
	// protocol-mandated values.
	SctpPort    int `mapstructure:"sctp_port"`
	SctpStreams int `mapstructure:"sctp_streams"`

	Bridges []BridgeConfig `mapstructure:"bridges"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "focus-dev-secret")
	v.SetDefault("allocation_timeout", "15s")
	v.SetDefault("signaling_timeout", "30s")
	v.SetDefault("strip_simulcast", true)
	v.SetDefault("sctp_port", 5000)
	v.SetDefault("sctp_streams", 1024)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present, also
// handy for tests.
func Default() *Config {
	return &Config{
		Mode:              "release",
		Port:              8080,
		Secret:            "focus-dev-secret",
		AllocationTimeout: 15 * time.Second,
		SignalingTimeout:  30 * time.Second,
		StripSimulcast:    true,
		SctpPort:          5000,
		SctpStreams:       1024,
	}
}
