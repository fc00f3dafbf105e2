package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jbweber/homelab/keaport/internal/migrations"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"
)

// Keys understood by Load. Every key can be set in keaport.yaml, through a
// KEAPORT_ prefixed environment variable (dots become underscores) or a flag
// bound by the CLI.
const (
	KeyDBPath          = "db_path"
	KeyPort            = "port"
	KeyServerName      = "server_name"
	KeyBackupRetain    = "backup_retain"
	KeyExternalTimeout = "external_timeout"
	KeyLogLevel        = "log.level"
	KeyLogJSON         = "log.json"

	KeySessionPath   = "session.path"
	KeySessionSecret = "session.secret"
	KeySessionTTL    = "session.ttl"

	KeyKeaURL        = "kea.url"
	KeyKeaPort       = "kea.port"
	KeyKeaCAFile     = "kea.tls_ca_file"
	KeyKeaCertFile   = "kea.tls_cert_file"
	KeyKeaKeyFile    = "kea.tls_key_file"
	KeyKeaInsecure   = "kea.tls_insecure"
	KeyKeaServerName = "kea.tls_server_name"
	KeyKeaTimeout    = "kea.timeout"
	KeyKeaUsername   = "kea.username"
	KeyKeaPassword   = "kea.password"

	KeyRadiusPrimaryDSN   = "radius.primary_dsn"
	KeyRadiusSecondaryDSN = "radius.secondary_dsn"
	KeyRadiusSecret       = "radius.secret"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "KEAPORT"

// KeaConfig describes how to reach the Kea Control Agent.
type KeaConfig struct {
	URL        string
	Port       string
	CAFile     string
	CertFile   string
	KeyFile    string
	Insecure   bool
	ServerName string
	Timeout    time.Duration
	Username   string
	Password   string
}

// Enabled reports whether a Kea endpoint is configured.
func (k KeaConfig) Enabled() bool {
	return k.URL != ""
}

// RadiusConfig describes the two RADIUS database replicas.
type RadiusConfig struct {
	PrimaryDSN   string
	SecondaryDSN string
	Secret       string
}

// Config holds all configuration for the keaport service
type Config struct {
	DBPath          string
	Port            string
	ServerName      string
	BackupRetain    int
	ExternalTimeout time.Duration
	LogLevel        string
	LogJSON         bool

	SessionPath   string
	SessionSecret string
	SessionTTL    time.Duration

	Kea    KeaConfig
	Radius RadiusConfig
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		DBPath:          "~/keaport/data/keaport.db",
		Port:            "8080",
		ServerName:      "default",
		BackupRetain:    10,
		ExternalTimeout: 10 * time.Second,
		LogLevel:        "info",
		SessionPath:     "~/keaport/data/sessions.db",
		SessionTTL:      30 * time.Minute,
		Kea: KeaConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// SetDefaults registers the NewConfig defaults with v.
func SetDefaults(v *viper.Viper) {
	d := NewConfig()
	v.SetDefault(KeyDBPath, d.DBPath)
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyServerName, d.ServerName)
	v.SetDefault(KeyBackupRetain, d.BackupRetain)
	v.SetDefault(KeyExternalTimeout, d.ExternalTimeout)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogJSON, d.LogJSON)
	v.SetDefault(KeySessionPath, d.SessionPath)
	v.SetDefault(KeySessionSecret, "")
	v.SetDefault(KeySessionTTL, d.SessionTTL)
	v.SetDefault(KeyKeaURL, "")
	v.SetDefault(KeyKeaPort, "")
	v.SetDefault(KeyKeaCAFile, "")
	v.SetDefault(KeyKeaCertFile, "")
	v.SetDefault(KeyKeaKeyFile, "")
	v.SetDefault(KeyKeaInsecure, false)
	v.SetDefault(KeyKeaServerName, "")
	v.SetDefault(KeyKeaTimeout, d.Kea.Timeout)
	v.SetDefault(KeyKeaUsername, "")
	v.SetDefault(KeyKeaPassword, "")
	v.SetDefault(KeyRadiusPrimaryDSN, "")
	v.SetDefault(KeyRadiusSecondaryDSN, "")
	v.SetDefault(KeyRadiusSecret, "")
}

// NewViper returns a viper instance with defaults and environment binding
// applied. configFile may be empty, in which case keaport.yaml is looked up
// in the working directory and ~/.keaport.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(expandPath(configFile))
	} else {
		v.SetConfigName("keaport")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(expandPath("~/.keaport"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return v, nil
}

// Load builds a Config from v.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		DBPath:          v.GetString(KeyDBPath),
		Port:            v.GetString(KeyPort),
		ServerName:      v.GetString(KeyServerName),
		BackupRetain:    v.GetInt(KeyBackupRetain),
		ExternalTimeout: v.GetDuration(KeyExternalTimeout),
		LogLevel:        v.GetString(KeyLogLevel),
		LogJSON:         v.GetBool(KeyLogJSON),
		SessionPath:     v.GetString(KeySessionPath),
		SessionSecret:   v.GetString(KeySessionSecret),
		SessionTTL:      v.GetDuration(KeySessionTTL),
		Kea: KeaConfig{
			URL:        v.GetString(KeyKeaURL),
			Port:       v.GetString(KeyKeaPort),
			CAFile:     v.GetString(KeyKeaCAFile),
			CertFile:   v.GetString(KeyKeaCertFile),
			KeyFile:    v.GetString(KeyKeaKeyFile),
			Insecure:   v.GetBool(KeyKeaInsecure),
			ServerName: v.GetString(KeyKeaServerName),
			Timeout:    v.GetDuration(KeyKeaTimeout),
			Username:   v.GetString(KeyKeaUsername),
			Password:   v.GetString(KeyKeaPassword),
		},
		Radius: RadiusConfig{
			PrimaryDSN:   v.GetString(KeyRadiusPrimaryDSN),
			SecondaryDSN: v.GetString(KeyRadiusSecondaryDSN),
			Secret:       v.GetString(KeyRadiusSecret),
		},
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges that viper cannot express.
func (c *Config) Validate() error {
	if c.BackupRetain < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyBackupRetain, c.BackupRetain)
	}
	if c.ExternalTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyExternalTimeout)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%s must be positive", KeySessionTTL)
	}
	if c.ServerName == "" {
		return fmt.Errorf("%s is required", KeyServerName)
	}
	return nil
}

// InitializeDatabase creates and configures the database connection
func (c *Config) InitializeDatabase() (*sql.DB, error) {
	dbPath := c.expandPath(c.DBPath)

	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	OptimizeDatabaseConnection(db)

	if err := ApplyPragmaOptimizations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply performance optimizations: %w", err)
	}

	if err := migrations.NewDefaultMigrator(db).RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// ResolvedSessionPath returns SessionPath with ~ expanded.
func (c *Config) ResolvedSessionPath() string {
	return c.expandPath(c.SessionPath)
}

// expandPath expands ~ to home directory
func (c *Config) expandPath(path string) string {
	return expandPath(path)
}

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(homeDir, path[2:])
}
