package relay

import (
	"log/slog"
	"net/http"

	"github.com/raphi011/relay/internal/config"
	"github.com/raphi011/relay/internal/storage"
)

type Option func(a *Agent)

// WithConfig replaces the configuration loaded from the environment.
func WithConfig(cfg config.Config) Option {
	return func(a *Agent) {
		a.cfg = cfg
		a.configured = true
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) {
		a.log = log
	}
}

// WithStore sets the ledger of upload records. By default the ledger
// configured under `storage` is opened.
func WithStore(store storage.Store) Option {
	return func(a *Agent) {
		a.store = store
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) {
		a.httpClient = c
	}
}

func WithHook(h Hook) Option {
	return func(a *Agent) {
		a.hooks.all = append(a.hooks.all, h)
	}
}

// WithEnviron sets the environment used for CI detection.
func WithEnviron(environ []string) Option {
	return func(a *Agent) {
		a.environ = environ
	}
}
