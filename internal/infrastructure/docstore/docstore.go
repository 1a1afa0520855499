// Package docstore selects and decorates the configured document store
// backend.
package docstore

import (
	"fmt"

	"txvault/internal/application"
	"txvault/internal/config"
	"txvault/internal/infrastructure/mysql"
	"txvault/internal/infrastructure/sqlite"
)

// Open builds the document store named by DOC_BACKEND. Unknown backend
// names are a configuration error, not a fallback.
func Open(cfg *config.Config) (application.DocumentStore, func() error, error) {
	switch cfg.DocBackend {
	case "sqlite":
		store, err := sqlite.NewStore(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, store.Close, nil
	case "mysql":
		store, err := mysql.NewStore(cfg.DBDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported document store backend %q", cfg.DocBackend)
	}
}
