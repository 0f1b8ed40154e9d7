package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/lightspeed-karma/globals"
)

const (
	defaultAddr                 = "localhost:8000"
	defaultLogLevel             = "info"
	defaultPersistenceType      = "memory"
	defaultRetryMaxTries        = 5
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultLeaderboardCacheSize = 1024
	defaultStatsCron            = "@every 1m"
	defaultSendBuffer           = 256

	envPrefix = "LSKARMA"
)

// Config is the global configuration object which is filled via the configuration file, the
// command line flags and LSKARMA_* environment variables (in increasing order of precedence).
type Config struct {
	LogLevel          string            `mapstructure:"log_level"`
	Addr              string            `mapstructure:"addr"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	KarmaConfig       KarmaConfig       `mapstructure:"karma"`
	LeaderboardConfig LeaderboardConfig `mapstructure:"leaderboard"`
	HubConfig         HubConfig         `mapstructure:"hub"`
}

// AuthConfig configures how credentials presented by websocket clients are verified. If
// JWTSecret is set, HS256 tokens carrying the user id in the "sub" claim are accepted.
// Otherwise the first OIDC provider is used.
type AuthConfig struct {
	JWTSecret   string       `mapstructure:"jwt_secret"`
	JWTIssuer   string       `mapstructure:"jwt_issuer"`
	OIDCConfigs []OIDCConfig `mapstructure:"oidc"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to authenticate users.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com", used for discovery
}

// PersistenceConfig selects the ledger backend: "memory", "buntdb", "sqlite" or "postgres".
// For buntdb the DSN is the database file (":memory:" is allowed), for the SQL backends it is
// the driver DSN. LockPath, if set, is locked exclusively while the buntdb file is open.
type PersistenceConfig struct {
	Type     string `mapstructure:"type"`
	DSN      string `mapstructure:"dsn"`
	LockPath string `mapstructure:"lock_path"`
}

// KarmaConfig configures the ledger retry policy and the award rules.
type KarmaConfig struct {
	RetryMaxTries        uint          `mapstructure:"retry_max_tries"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	Rules                []RuleConfig  `mapstructure:"rule"`
}

// A RuleConfig maps an action name onto a karma award. Points is an expression evaluated
// against the parameters passed by the awarding controller, f.e. "10 + 2 * attendees".
type RuleConfig struct {
	Action string `mapstructure:"action"`
	Type   string `mapstructure:"type"`
	Points string `mapstructure:"points"`
	Reason string `mapstructure:"reason"`
}

type LeaderboardConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

// HubConfig configures the real-time hub. StatsCron is a cron spec for the periodic stats log
// line (empty disables it), SendBuffer the per-connection outbound queue length.
type HubConfig struct {
	StatsCron  string `mapstructure:"stats_cron"`
	SendBuffer int    `mapstructure:"send_buffer"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flagSet.String("addr", "", "http/ws service address (including port)")
	flagSet.String("persistence-type", "", "ledger backend: memory, buntdb, sqlite or postgres")
	flagSet.String("persistence-dsn", "", "ledger backend dsn")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("persistence.type", defaultPersistenceType)
	v.SetDefault("karma.retry_max_tries", defaultRetryMaxTries)
	v.SetDefault("karma.retry_initial_interval", defaultRetryInitialInterval)
	v.SetDefault("leaderboard.cache_size", defaultLeaderboardCacheSize)
	v.SetDefault("hub.stats_cron", defaultStatsCron)
	v.SetDefault("hub.send_buffer", defaultSendBuffer)

	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		bindFlag(v, flagSet, "log_level", "log_level")
		bindFlag(v, flagSet, "addr", "addr")
		bindFlag(v, flagSet, "persistence.type", "persistence_type")
		bindFlag(v, flagSet, "persistence.dsn", "persistence_dsn")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		contents, err := readConfigFiles(configPath)
		if err != nil {
			return nil, err
		}
		v.SetConfigType("toml")
		if err := v.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}

func bindFlag(v *viper.Viper, flagSet *pflag.FlagSet, key, flagName string) {
	flag := flagSet.Lookup(flagName)
	if flag == nil {
		return
	}
	if err := v.BindPFlag(key, flag); err != nil {
		globals.AppLogger.Error("could not bind flag (ignored)", "flag", flagName, "error", err)
	}
}

func readConfigFiles(configPath string) ([]byte, error) {
	fi, err := os.Stat(configPath)
	if err != nil {
		return nil, err
	}
	files := []string{configPath}
	if fi.IsDir() {
		files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
		if err != nil {
			return nil, err
		}
	}
	contents := make([]byte, 0)
	for _, configFile := range files {
		fileContents, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		contents = append(contents, fileContents...)
		contents = append(contents, '\n')
	}
	return contents, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.PersistenceConfig.Type {
	case "memory":
	case "buntdb", "sqlite", "postgres":
		if c.PersistenceConfig.DSN == "" {
			return fmt.Errorf("persistence type %q requires a dsn", c.PersistenceConfig.Type)
		}
	default:
		return fmt.Errorf("unknown persistence type %q", c.PersistenceConfig.Type)
	}
	if c.KarmaConfig.RetryMaxTries == 0 {
		return fmt.Errorf("karma.retry_max_tries must be at least 1")
	}
	if c.HubConfig.SendBuffer <= 0 {
		return fmt.Errorf("hub.send_buffer must be positive")
	}
	for i, rule := range c.KarmaConfig.Rules {
		if rule.Action == "" || rule.Points == "" {
			return fmt.Errorf("karma rule #%d needs an action and a points expression", i)
		}
	}
	return nil
}
