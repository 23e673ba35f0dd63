package store

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/debategym/internal/config"
)

// Open returns the repository selected by cfg.Driver.
func Open(cfg config.DatabaseConfig, log *slog.Logger) (Repository, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(cfg.URL, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
