package internal

import "github.com/karloscodes/cartridge"

// NewServerConfig returns the server settings used by the binary and by tests.
//
// The only state-changing route is the Embeddables webhook, a server-to-server POST that never
// carries Sec-Fetch-Site, so the global browser-origin check is off. Cartridge installs that
// check with app.Use, ahead of any per-route opt-out.
func NewServerConfig() *cartridge.ServerConfig {
	cfg := cartridge.DefaultServerConfig()
	cfg.EnableSecFetchSite = false
	return cfg
}
