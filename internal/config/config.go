// Package config assembles process configuration from defaults, an
// optional .env file and the environment. Command-line flags are bound on
// top by the binaries.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
)

// Environment variables read by Load.
const (
	EnvToken             = "STACKZILLA_LINODE_TOKEN"
	EnvDBPath            = "LINODE_PROVIDER_DB"
	EnvNATSURL           = "LINODE_PROVIDER_NATS_URL"
	EnvSSHUser           = "LINODE_PROVIDER_SSH_USER"
	EnvSSHKey            = "LINODE_PROVIDER_SSH_KEY"
	EnvReconcileInterval = "LINODE_PROVIDER_RECONCILE_INTERVAL"
	EnvDebug             = "LINODE_PROVIDER_DEBUG"
)

// Config holds everything the binaries need to wire the provider.
type Config struct {
	Token string

	DBPath  string
	NATSURL string

	SSHUser    string
	SSHKeyPath string

	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	// ReconcileInterval re-applies the blueprint periodically when non-zero.
	ReconcileInterval time.Duration

	Trace bool
	Debug bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:      "./data/badger",
		SSHUser:     "root",
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
	}
}

// Load returns the defaults overlaid with envFile, when it exists, and the
// process environment. Variables already set in the environment win over
// the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, errors.Annotatef(err, "loading %s", envFile)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv overlays the defaults with variables found by lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvToken, &cfg.Token)
	str(EnvDBPath, &cfg.DBPath)
	str(EnvNATSURL, &cfg.NATSURL)
	str(EnvSSHUser, &cfg.SSHUser)
	str(EnvSSHKey, &cfg.SSHKeyPath)

	if v, ok := lookup(EnvReconcileInterval); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.NotValidf("%s %q", EnvReconcileInterval, v)
		}
		cfg.ReconcileInterval = d
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, errors.NotValidf("%s %q", EnvDebug, v)
		}
		cfg.Debug = b
	}
	return cfg, nil
}

// Validate checks settings that every command needs.
func (c Config) Validate() error {
	if c.ReconcileInterval < 0 {
		return errors.NotValidf("negative reconcile interval")
	}
	if c.SSHUser == "" {
		return errors.NotValidf("empty ssh user")
	}
	return nil
}
