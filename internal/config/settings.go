package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the typed view of the whole configuration tree.
type Settings struct {
	App       AppConfig       `mapstructure:"app" yaml:"app"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	MQTT      MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Access    AccessConfig    `mapstructure:"access" yaml:"access"`
	Frontend  FrontendConfig  `mapstructure:"frontend" yaml:"frontend"`
}

type AppConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AuthConfig holds the static bearer token. An empty token disables bearer
// authentication.
type AuthConfig struct {
	Token string `mapstructure:"token" yaml:"token"`
}

// MQTTConfig describes the upstream telemetry bus.
type MQTTConfig struct {
	Host                 string        `mapstructure:"host" yaml:"host"`
	Port                 int           `mapstructure:"port" yaml:"port"`
	Username             string        `mapstructure:"username" yaml:"username"`
	Password             string        `mapstructure:"password" yaml:"password"`
	TopicPrefix          string        `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	ClientID             string        `mapstructure:"client_id" yaml:"client_id"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval" yaml:"max_reconnect_interval"`
}

// BrokerURL returns the tcp:// URL of the broker.
func (m MQTTConfig) BrokerURL() string {
	return "tcp://" + net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

type TelemetryConfig struct {
	OfflineTimeout time.Duration `mapstructure:"offline_timeout" yaml:"offline_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// AccessConfig drives the access evaluator and the share-link routes.
type AccessConfig struct {
	LANSubnets             []string      `mapstructure:"lan_subnets" yaml:"lan_subnets"`
	TrustedProxyIPs        []string      `mapstructure:"trusted_proxy_ips" yaml:"trusted_proxy_ips"`
	PublicBaseURL          string        `mapstructure:"public_base_url" yaml:"public_base_url"`
	SessionSecret          string        `mapstructure:"session_secret" yaml:"session_secret"`
	SessionMaxAge          time.Duration `mapstructure:"session_max_age" yaml:"session_max_age"`
	ShareDefaultExpireDays int           `mapstructure:"share_default_expire_days" yaml:"share_default_expire_days"`
	ViewRateLimit          int           `mapstructure:"view_rate_limit" yaml:"view_rate_limit"`
	ViewRateWindow         time.Duration `mapstructure:"view_rate_window" yaml:"view_rate_window"`
	// WSOriginPatterns lists the page origins allowed to open /ws, as
	// host patterns such as "localhost:5173" or "*.example.com".
	WSOriginPatterns []string `mapstructure:"ws_origin_patterns" yaml:"ws_origin_patterns"`
}

type FrontendConfig struct {
	WSURL string `mapstructure:"ws_url" yaml:"ws_url"`
}

// Decode unmarshals v into Settings and validates the result.
func Decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the server cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if s.Server.Port < 1 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Server.Port))
	}
	if s.Access.SessionSecret == "" {
		errs = append(errs, errors.New("access.session_secret must not be empty"))
	}
	if s.Access.SessionMaxAge <= 0 {
		errs = append(errs, errors.New("access.session_max_age must be positive"))
	}
	if s.Telemetry.OfflineTimeout <= 0 {
		errs = append(errs, errors.New("telemetry.offline_timeout must be positive"))
	}
	if s.MQTT.ReconnectInterval <= 0 || s.MQTT.MaxReconnectInterval < s.MQTT.ReconnectInterval {
		errs = append(errs, errors.New("mqtt reconnect intervals must be positive and max >= initial"))
	}
	for _, v := range s.Access.LANSubnets {
		if err := validPrefix(v); err != nil {
			errs = append(errs, fmt.Errorf("access.lan_subnets: %w", err))
		}
	}
	for _, v := range s.Access.TrustedProxyIPs {
		if err := validPrefix(v); err != nil {
			errs = append(errs, fmt.Errorf("access.trusted_proxy_ips: %w", err))
		}
	}
	for _, p := range s.Access.WSOriginPatterns {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("access.ws_origin_patterns: %q: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// validPrefix accepts a CIDR block or a bare address, the same forms the
// access evaluator parses. Host bits outside the mask are allowed and blank
// entries are ignored.
func validPrefix(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if _, err := netip.ParsePrefix(v); err == nil {
		return nil
	}
	if _, err := netip.ParseAddr(v); err == nil {
		return nil
	}
	return fmt.Errorf("%q is neither an address nor a CIDR block", v)
}

// Redacted returns a copy safe to print: secrets are masked.
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "********"
	}
	s.Auth.Token = mask(s.Auth.Token)
	s.MQTT.Password = mask(s.MQTT.Password)
	s.Access.SessionSecret = mask(s.Access.SessionSecret)
	s.Access.LANSubnets = append([]string(nil), s.Access.LANSubnets...)
	s.Access.TrustedProxyIPs = append([]string(nil), s.Access.TrustedProxyIPs...)
	return s
}
