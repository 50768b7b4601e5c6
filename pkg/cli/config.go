/*
Package cli wires command-line flags, environment variables and the system
keyring into a bridge configuration. Flags win over the environment; the
environment wins over the keyring; the keyring is only consulted for the
account password.

	config := cli.NewConfig()
	config.RegisterCommandLineFlags()
	flag.Parse()
	config.ReadFromEnvironment()
	if err := config.LoadCredentials(); err != nil { ... }
*/
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openfordpass/bridge/internal/log"
	"github.com/openfordpass/bridge/pkg/auth"
	"github.com/openfordpass/bridge/pkg/bridge"
	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/statestore"
	"github.com/openfordpass/bridge/pkg/statussync"
)

// Environment variable names read by [Config.ReadFromEnvironment].
const (
	EnvUsername     = "FORDPASS_USERNAME"
	EnvPassword     = "FORDPASS_PASSWORD"
	EnvLocale       = "FORDPASS_LOCALE"
	EnvCountryCode  = "FORDPASS_COUNTRY_CODE"
	EnvAppID        = "FORDPASS_APPLICATION_ID"
	EnvRedisAddr    = "FORDPASS_REDIS_ADDR"
	EnvPollInterval = "FORDPASS_POLL_INTERVAL"
	EnvLogLevel     = "FORDPASS_LOG_LEVEL"
	EnvKeyringType  = "FORDPASS_KEYRING_TYPE"
	EnvKeyringPass  = "FORDPASS_KEYRING_PASSWORD"
	EnvKeyringPath  = "FORDPASS_KEYRING_PATH"
)

// defaultApplicationID is the European FordPass application identifier.
const defaultApplicationID = "667D773E-1BDC-4139-8AD0-2B16474E8DC7"

// Config collects every runtime setting of the bridge.
type Config struct {
	Username string
	Password string

	Locale      string
	CountryCode string
	AppID       string

	RedisAddr        string
	PollInterval     time.Duration
	ForceWake        bool
	IgnoreLowVoltage bool
	DisablePush      bool
	LogLevel         string

	Backend     keyring.Config
	BackendType backendType

	password *string
}

func NewConfig() *Config {
	c := &Config{
		Locale:       "de-DE",
		CountryCode:  "DEU",
		AppID:        defaultApplicationID,
		PollInterval: 5 * time.Minute,
		LogLevel:     "info",
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword
	return c
}

func (c *Config) RegisterCommandLineFlags() {
	flag.StringVar(&c.Username, "username", "", "FordPass account email. Defaults to $FORDPASS_USERNAME.")
	flag.StringVar(&c.Locale, "locale", c.Locale, "Account locale, e.g. de-DE. Defaults to $FORDPASS_LOCALE.")
	flag.StringVar(&c.CountryCode, "country-code", c.CountryCode, "ISO 3166 alpha-3 country code. Defaults to $FORDPASS_COUNTRY_CODE.")
	flag.StringVar(&c.AppID, "application-id", c.AppID, "Vendor application identifier. Defaults to $FORDPASS_APPLICATION_ID.")
	flag.StringVar(&c.RedisAddr, "redis", "", "Redis `address` for persistent state; empty keeps state in memory. Defaults to $FORDPASS_REDIS_ADDR.")
	flag.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Status poll interval (floored to 30s). Defaults to $FORDPASS_POLL_INTERVAL.")
	flag.BoolVar(&c.ForceWake, "force-wake", false, "Send a wake command before each poll.")
	flag.BoolVar(&c.IgnoreLowVoltage, "ignore-low-voltage", false, "Wake the vehicle even when the 12V battery reads low.")
	flag.BoolVar(&c.DisablePush, "no-push", false, "Disable the per-vehicle push socket; poll only.")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (trace|debug|info|warn|error). Defaults to $FORDPASS_LOG_LEVEL.")

	var names []string
	for _, name := range keyring.AvailableBackends() {
		names = append(names, string(name))
	}
	sort.Strings(names)
	flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $FORDPASS_KEYRING_TYPE.")
	flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
}

// ReadFromEnvironment fills unset fields from FORDPASS_* variables. Call
// after flag.Parse so explicit flags are not overridden.
func (c *Config) ReadFromEnvironment() {
	if c.Username == "" {
		c.Username = os.Getenv(EnvUsername)
	}
	if c.Password == "" {
		c.Password = os.Getenv(EnvPassword)
	}
	if v := os.Getenv(EnvLocale); v != "" && !flagWasSet("locale") {
		c.Locale = v
	}
	if v := os.Getenv(EnvCountryCode); v != "" && !flagWasSet("country-code") {
		c.CountryCode = v
	}
	if v := os.Getenv(EnvAppID); v != "" && !flagWasSet("application-id") {
		c.AppID = v
	}
	if c.RedisAddr == "" {
		c.RedisAddr = os.Getenv(EnvRedisAddr)
	}
	if v := os.Getenv(EnvPollInterval); v != "" && !flagWasSet("poll-interval") {
		if d, err := parseInterval(v); err == nil {
			c.PollInterval = d
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" && !flagWasSet("log-level") {
		c.LogLevel = v
	}
	if c.BackendType.String() == string(keyring.InvalidBackend) {
		_ = c.BackendType.Set(os.Getenv(EnvKeyringType))
	}
	if c.password == nil {
		password := os.Getenv(EnvKeyringPass)
		c.password = &password
	}
	if c.Backend.FileDir == "" {
		c.Backend.FileDir = os.Getenv(EnvKeyringPath)
	}
}

// parseInterval accepts a Go duration or a bare number of minutes, matching
// how the poll interval was historically configured.
func parseInterval(v string) (time.Duration, error) {
	if minutes, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(minutes * float64(time.Minute)), nil
	}
	return time.ParseDuration(v)
}

// LoadCredentials resolves the account password: explicit value, then the
// system keyring, then an interactive terminal prompt.
func (c *Config) LoadCredentials() error {
	if c.Username == "" {
		return fmt.Errorf("cli: no username configured")
	}
	if c.Password != "" {
		return nil
	}
	if pw, err := c.LoadPasswordFromKeyring(); err == nil && pw != "" {
		c.Password = pw
		return nil
	}
	pw, err := c.getPassword("FordPass password for " + c.Username)
	if err != nil {
		return err
	}
	c.Password = pw
	return nil
}

// Logger builds the process logger at the configured level and routes
// package-level logging through it.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	log.SetLogger(logger)
	log.SetLevel(facadeLevel(level))
	return logger
}

func facadeLevel(level zerolog.Level) log.Level {
	switch {
	case level <= zerolog.DebugLevel:
		return log.LevelDebug
	case level == zerolog.InfoLevel:
		return log.LevelInfo
	case level == zerolog.WarnLevel:
		return log.LevelWarning
	case level == zerolog.Disabled:
		return log.LevelNone
	}
	return log.LevelError
}

// Store builds the configured state backend: Redis when an address is set,
// in-memory otherwise.
func (c *Config) Store(ctx context.Context, logger zerolog.Logger) (statestore.Store, error) {
	if c.RedisAddr == "" {
		return statestore.NewMemStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cli: redis at %s: %w", c.RedisAddr, err)
	}
	return statestore.NewRedisStore(client, logger), nil
}

// BridgeConfig assembles the component configurations.
func (c *Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		Auth: auth.Config{
			Locale:   c.Locale,
			Username: c.Username,
			Password: c.Password,
		},
		API: fordapi.Config{
			ApplicationID: c.AppID,
			Locale:        c.Locale,
			CountryCode:   c.CountryCode,
		},
		Sync: statussync.Config{
			Interval:         c.PollInterval,
			ForceWake:        c.ForceWake,
			IgnoreLowVoltage: c.IgnoreLowVoltage,
		},
		DisablePush: c.DisablePush,
	}
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
