// Package config provides a reusable loader for node configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"avrionode/core"
	"avrionode/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config mirrors the node Environment record (spec §6): everything the core
// and p2p layers need to boot, loaded from YAML plus environment overrides.
// Loading configuration is an external-collaborator concern; this struct is
// the contract the core package depends on.
type Config struct {
	DBPath                    string `mapstructure:"db_path" json:"db_path"`
	NetworkID                 string `mapstructure:"network_id" json:"network_id"`
	IPHost                    string `mapstructure:"ip_host" json:"ip_host"`
	P2PPort                   int    `mapstructure:"p2p_port" json:"p2p_port"`
	ChainKey                  string `mapstructure:"chain_key" json:"chain_key"`
	WalletPassword            string `mapstructure:"wallet_password" json:"wallet_password"`
	TransactionTimestampMaxMS int64  `mapstructure:"transaction_timestamp_max_offset" json:"transaction_timestamp_max_offset"`
	UsernameBurnAmount        uint64 `mapstructure:"username_burn_amount" json:"username_burn_amount"`
	CommitteeSize             int    `mapstructure:"commitee_size" json:"commitee_size"`
	NodeType                  string `mapstructure:"node_type" json:"node_type"`
	Identity                  string `mapstructure:"identity" json:"identity"`
	MinGasPrice               uint64 `mapstructure:"min_gas_price" json:"min_gas_price"`
	BootstrapPeers            []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// ToEnvironment converts c into the core.Environment record core/p2p
// actually depend on, parsing the base58 chain_key into a core.PublicKey.
func (c Config) ToEnvironment() (*core.Environment, error) {
	chainKey, err := core.ParsePublicKey(c.ChainKey)
	if err != nil {
		return nil, utils.Wrap(err, "parse chain_key")
	}
	return &core.Environment{
		DBPath:                    c.DBPath,
		NetworkID:                 []byte(c.NetworkID),
		IPHost:                    c.IPHost,
		P2PPort:                   c.P2PPort,
		ChainKey:                  chainKey,
		WalletPassword:            c.WalletPassword,
		TransactionTimestampMaxMS: c.TransactionTimestampMaxMS,
		UsernameBurnAmount:        c.UsernameBurnAmount,
		CommitteeSize:             c.CommitteeSize,
		NodeType:                  c.NodeType,
		Identity:                  c.Identity,
		MinGasPrice:               c.MinGasPrice,
		BootstrapPeers:            c.BootstrapPeers,
	}, nil
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
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

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the NODE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("NODE_ENV", ""))
}
