// Package config loads genwatch settings from defaults, an optional YAML
// file, a .env file and GENWATCH_-prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, with dots in the
// key replaced by underscores: GENWATCH_MQTT_HOST sets mqtt.host.
const EnvPrefix = "GENWATCH"

// InsecureDefaultSecret is the placeholder session secret shipped in the
// defaults. Servers started with it log a warning.
const InsecureDefaultSecret = "CHANGE-ME"

// Config wraps a viper instance with nil-safe accessors. Plugins receive
// their own sub-tree through Sub.
type Config struct {
	v *viper.Viper
}

// New wraps v. A nil v behaves as an empty configuration.
func New(v *viper.Viper) *Config {
	if v == nil {
		v = viper.New()
	}
	return &Config{v: v}
}

func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

func (c *Config) IsSet(key string) bool {
	return c.v.IsSet(key)
}

func (c *Config) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

func (c *Config) UnmarshalKey(key string, target any) error {
	return c.v.UnmarshalKey(key, target)
}

// Sub returns the sub-tree at key. A missing key yields an empty Config,
// never nil.
func (c *Config) Sub(key string) *Config {
	return New(c.v.Sub(key))
}

// Viper exposes the underlying instance for code that still takes one.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "Honest Generation")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5555)
	v.SetDefault("server.max_connections", 1024)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("database.path", "genwatch.db")

	v.SetDefault("auth.token", "")

	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "cg/v1/decoded/SN")
	v.SetDefault("mqtt.client_id", "genwatch")
	v.SetDefault("mqtt.reconnect_interval", 5*time.Second)
	v.SetDefault("mqtt.max_reconnect_interval", 60*time.Second)

	v.SetDefault("telemetry.offline_timeout", 300*time.Second)
	v.SetDefault("telemetry.sweep_interval", 30*time.Second)

	v.SetDefault("access.lan_subnets", []string{
		"192.168.0.0/16", "10.0.0.0/8", "172.16.0.0/12", "127.0.0.0/8",
	})
	v.SetDefault("access.trusted_proxy_ips", []string{"127.0.0.1"})
	v.SetDefault("access.public_base_url", "https://localhost:9443")
	v.SetDefault("access.session_secret", InsecureDefaultSecret)
	v.SetDefault("access.session_max_age", 24*time.Hour)
	v.SetDefault("access.share_default_expire_days", 7)
	v.SetDefault("access.view_rate_limit", 20)
	v.SetDefault("access.view_rate_window", time.Minute)
	v.SetDefault("access.ws_origin_patterns", []string{"*"})

	v.SetDefault("frontend.ws_url", "ws://localhost:5555/ws")

	v.SetDefault("plugins.telemetry.enabled", true)
	v.SetDefault("plugins.telemetry.ingest", true)
	v.SetDefault("plugins.share.enabled", true)
}

// Load builds the effective configuration. path names a YAML file; when
// empty, genwatch.yaml is looked up in the working directory and
// /etc/genwatch and silently skipped if absent. A .env file in the working
// directory, if present, is loaded into the process environment first.
func Load(path string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("genwatch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/genwatch")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}
