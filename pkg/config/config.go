package config

// Package config provides a reusable loader for lucid-network configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"lucid-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a lucid-network node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Node struct {
		ID      string `mapstructure:"id" json:"id"`
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"node" json:"node"`

	RDP struct {
		ListenAddr       string        `mapstructure:"listen_addr" json:"listen_addr"`
		MaxPacketBytes   int           `mapstructure:"max_packet_bytes" json:"max_packet_bytes"`
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout"`
		PrivacyShield    bool          `mapstructure:"privacy_shield" json:"privacy_shield"`
		FrameStrideBytes int           `mapstructure:"frame_stride_bytes" json:"frame_stride_bytes"`
	} `mapstructure:"rdp" json:"rdp"`

	Session struct {
		ChunkSizeBytes     int           `mapstructure:"chunk_size_bytes" json:"chunk_size_bytes"`
		ChunkFlushInterval time.Duration `mapstructure:"chunk_flush_interval" json:"chunk_flush_interval"`
		QueueDepth         int           `mapstructure:"queue_depth" json:"queue_depth"`
		CompressionAlgo    string        `mapstructure:"compression_algo" json:"compression_algo"`
		CompressionLevel   int           `mapstructure:"compression_level" json:"compression_level"`
	} `mapstructure:"session" json:"session"`

	Crypto struct {
		AEADAlgorithm       string        `mapstructure:"aead_algorithm" json:"aead_algorithm"`
		KeyRotationInterval time.Duration `mapstructure:"key_rotation_interval" json:"key_rotation_interval"`
	} `mapstructure:"crypto" json:"crypto"`

	Tor struct {
		ControlAddr     string        `mapstructure:"control_addr" json:"control_addr"`
		ControlPassword string        `mapstructure:"control_password" json:"control_password"`
		SocksAddr       string        `mapstructure:"socks_addr" json:"socks_addr"`
		RegistryPath    string        `mapstructure:"registry_path" json:"registry_path"`
		HealthInterval  time.Duration `mapstructure:"health_interval" json:"health_interval"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`
	} `mapstructure:"tor" json:"tor"`

	Blockchain struct {
		RequiredConfirmations int           `mapstructure:"required_confirmations" json:"required_confirmations"`
		AnchorBatchSize       int           `mapstructure:"anchor_batch_size" json:"anchor_batch_size"`
		RoundTimeout          time.Duration `mapstructure:"round_timeout" json:"round_timeout"`
	} `mapstructure:"blockchain" json:"blockchain"`

	Payment struct {
		MinAmount             float64       `mapstructure:"min_amount" json:"min_amount"`
		MaxAmount             float64       `mapstructure:"max_amount" json:"max_amount"`
		DefaultExpiry         time.Duration `mapstructure:"default_expiry" json:"default_expiry"`
		RequiredConfirmations int           `mapstructure:"required_confirmations" json:"required_confirmations"`
		ValidationTimeout     time.Duration `mapstructure:"validation_timeout" json:"validation_timeout"`
		ProcessingTimeout     time.Duration `mapstructure:"processing_timeout" json:"processing_timeout"`
		MaxConcurrentPayments int           `mapstructure:"max_concurrent_payments" json:"max_concurrent_payments"`
		SupportedTokens       []string      `mapstructure:"supported_tokens" json:"supported_tokens"`
		SupportedNetworks     []string      `mapstructure:"supported_networks" json:"supported_networks"`
	} `mapstructure:"payment" json:"payment"`

	API struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"api" json:"api"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, utils.Wrap(err, "load .env overlay")
	}

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the LUCID_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("LUCID_ENV", ""))
}
