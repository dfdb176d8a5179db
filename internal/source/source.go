// Package source opens the machine and report source selected by the configuration.
package source

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"mdmview/internal/backend"
	"mdmview/internal/config"
	"mdmview/internal/dashboard"
	"mdmview/internal/gitstore"
)

// Source lists machines and their reports.
type Source interface {
	dashboard.MachineSource
	dashboard.ReportSource
}

// Open returns the backend client, a local clone or a remote git repository depending on cfg.
func Open(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (Source, error) {
	switch cfg.Source() {
	case config.SourceBackend:
		client, err := backend.New(cfg.BackendURL,
			backend.WithAPIKey(cfg.APIKey),
			backend.WithAttempts(cfg.Retries),
			backend.WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout}),
			backend.WithLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create backend client: %w", err)
		}
		log.Infof("Reading machines from backend %s", cfg.BackendURL)
		return client, nil
	case config.SourceClone:
		// existing clone, used in place without push or pull
		store, err := gitstore.NewLocal(ctx, cfg.ClonePath, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open clone %s: %w", cfg.ClonePath, err)
		}
		log.Infof("Reading machines from local clone %s", cfg.ClonePath)
		return store, nil
	case config.SourceGit:
		store, err := gitstore.NewRemote(ctx, cfg.GitURL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to clone %s: %w", cfg.GitURL, err)
		}
		log.Infof("Reading machines from git repository %s", cfg.GitURL)
		return store, nil
	default:
		return nil, config.ErrNoSource
	}
}
