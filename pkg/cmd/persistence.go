// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/dukex/sandflow/pkg/persistence/file"
	"github.com/dukex/sandflow/pkg/persistence/postgresql"
)

// NewPersistence opens the storage named by databaseURL: postgres:// and
// postgresql:// URLs connect to PostgreSQL, file:// URLs and bare paths use
// JSON files.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, rest, found := strings.Cut(databaseURL, "://")
	if !found {
		provider, rest = "file", databaseURL
	}

	switch provider {
	case "postgres", "postgresql":
		logger.InfoContext(ctx, "Using PostgreSQL persistence")

		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "file":
		if rest == "" {
			return nil, fmt.Errorf("file persistence needs a directory: %q", databaseURL)
		}

		logger.InfoContext(ctx, "Using file persistence", "path", rest)

		return file.NewPersistence(rest), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider %q", provider)
	}
}
