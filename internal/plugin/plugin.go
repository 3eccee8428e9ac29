package plugin

import (
	"context"
	"net/http"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Route represents an HTTP route exposed by a plugin.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Plugin defines the interface that all genwatch modules must implement.
type Plugin interface {
	// Name returns the plugin's unique identifier (e.g., "telemetry", "share").
	Name() string

	// Version returns the plugin's semantic version.
	Version() string

	// Init initializes the plugin with its configuration subtree and logger.
	Init(config *viper.Viper, logger *zap.Logger) error

	// Start begins the plugin's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the plugin.
	Stop() error

	// Routes returns the HTTP routes mounted under /api/v1/<name>.
	Routes() []Route
}

// PublicRouter is implemented by plugins that serve routes outside the
// /api/v1 prefix, such as the live socket or share-link redemption.
type PublicRouter interface {
	PublicRoutes() []Route
}

// Health states reported by HealthChecker.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// HealthStatus is one plugin's self-reported health.
type HealthStatus struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthChecker is implemented by plugins that report their health status.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}
