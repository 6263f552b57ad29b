// Package app provides the public API for embedding funnelsync in another binary.
package app

import (
	"github.com/karloscodes/cartridge"

	"funnelsync/internal"
	"funnelsync/internal/config"
	"funnelsync/internal/database"
	"funnelsync/internal/http"
	"funnelsync/internal/pipeline"
)

// Re-export core types
type (
	Application    = internal.Application
	Config         = config.Config
	DBManager      = database.DBManager
	Handlers       = http.Handlers
	Summary        = pipeline.Summary
	WebhookPayload = pipeline.WebhookPayload
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	return config.GetConfig()
}

// NewApp creates a new application with default routes
func NewApp() (*Application, error) {
	return internal.NewApp()
}

// NewAppWithConfig creates a new application from an explicit configuration
func NewAppWithConfig(cfg *Config) (*Application, error) {
	return internal.NewAppWithConfig(cfg)
}

// MountAppRoutes mounts the funnelsync routes on a server owned by the caller
func MountAppRoutes(srv *cartridge.Server) {
	internal.MountAppRoutes(srv)
}
