package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Shared Health Record exchange.
	SHRBaseURL        string `mapstructure:"SHR_BASE_URL"`
	SHRCatchment      string `mapstructure:"SHR_CATCHMENT"`
	EncounterFeedPath string `mapstructure:"SHR_ENCOUNTER_FEED_PATH"`

	// Master patient index.
	MPIBaseURL string `mapstructure:"MPI_BASE_URL"`

	// HIE identity provider.
	IdentityBaseURL string `mapstructure:"IDENTITY_BASE_URL"`
	IdentityEmail   string `mapstructure:"IDENTITY_EMAIL"`
	IdentityKey     string `mapstructure:"IDENTITY_KEY"`
	ClientID        string `mapstructure:"CLIENT_ID"`

	// Well-known EMR account that synchronized writes are attributed to.
	// The push worker uses it to tell sync-originated changes apart from
	// user-originated ones.
	SyncUserID string `mapstructure:"SYNC_USER_ID"`

	PushInterval   time.Duration `mapstructure:"PUSH_INTERVAL"`
	PullInterval   time.Duration `mapstructure:"PULL_INTERVAL"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	PushBatchSize  int           `mapstructure:"PUSH_BATCH_SIZE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SHR_ENCOUNTER_FEED_PATH", "/catchments/%s/encounters")
	v.SetDefault("PUSH_INTERVAL", "30s")
	v.SetDefault("PULL_INTERVAL", "1m")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("PUSH_BATCH_SIZE", 50)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("SHR_BASE_URL")
	v.BindEnv("SHR_CATCHMENT")
	v.BindEnv("SHR_ENCOUNTER_FEED_PATH")
	v.BindEnv("MPI_BASE_URL")
	v.BindEnv("IDENTITY_BASE_URL")
	v.BindEnv("IDENTITY_EMAIL")
	v.BindEnv("IDENTITY_KEY")
	v.BindEnv("CLIENT_ID")
	v.BindEnv("SYNC_USER_ID")
	v.BindEnv("PUSH_INTERVAL")
	v.BindEnv("PULL_INTERVAL")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("PUSH_BATCH_SIZE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is complete enough to talk to the
// health information exchange. The migrate subcommands only need the
// database, so this is enforced by serve/push/pull rather than Load.
func (c *Config) Validate() error {
	var missing []string
	if c.SHRBaseURL == "" {
		missing = append(missing, "SHR_BASE_URL")
	}
	if c.MPIBaseURL == "" {
		missing = append(missing, "MPI_BASE_URL")
	}
	if c.IdentityBaseURL == "" {
		missing = append(missing, "IDENTITY_BASE_URL")
	}
	if c.SHRCatchment == "" {
		missing = append(missing, "SHR_CATCHMENT")
	}
	if c.SyncUserID == "" {
		missing = append(missing, "SYNC_USER_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// EncounterFeedURI resolves the catchment encounter feed path against the
// configured catchment. The feed URI doubles as the cursor key.
func (c *Config) EncounterFeedURI() string {
	return fmt.Sprintf(c.EncounterFeedPath, c.SHRCatchment)
}
