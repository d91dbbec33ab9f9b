// Package storage opens the sync and audit stores selected by
// configuration.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/jsonfile"
	"github.com/rpggio/kairos/internal/repository"
	"github.com/rpggio/kairos/internal/sqlite"
)

// Stores is the set of opened backends.
type Stores struct {
	// Provider actually in use, which differs from the configured one
	// after a fallback.
	Provider string
	Sync     syncstate.Store
	// Audit is nil when auditing is disabled.
	Audit audit.Repository
	// DB is set when any sqlite backend is open.
	DB *sqlite.DB
	// BackupPath is set when a json payload was backed up during import.
	BackupPath string
}

// Close closes the stores and the shared database.
func (s *Stores) Close() error {
	var errs []error
	if s.Sync != nil {
		errs = append(errs, s.Sync.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}

// SyncLog returns the sqlite sync repository when that provider is in use.
func (s *Stores) SyncLog() (*sqlite.SyncRepository, bool) {
	repo, ok := s.Sync.(*sqlite.SyncRepository)
	return repo, ok
}

// Open opens the configured stores. A sqlite failure falls back to the
// json file with a warning.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st := &Stores{}

	if cfg.Storage.Provider == config.ProviderSQLite {
		if err := st.openSQLiteSync(ctx, cfg, logger); err != nil {
			logger.Warn("sqlite storage unavailable, falling back to json",
				"path", cfg.Storage.SQLitePath, "error", err)
			if st.DB != nil {
				st.DB.Close()
				st.DB = nil
			}
		}
	}

	if st.Sync == nil {
		store, err := jsonfile.NewSyncStore(cfg.Storage.JSONPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open json sync store: %w", err)
		}
		st.Sync = store
		st.Provider = config.ProviderJSON
	}

	if cfg.Audit.Enabled {
		repo, err := st.openAudit(cfg, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.Audit = repo
	}

	logger.Info("storage opened", "provider", st.Provider, "audit", cfg.Audit.Enabled)
	return st, nil
}

func (st *Stores) openSQLiteSync(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	st.DB = db
	repo := sqlite.NewSyncRepository(db)

	_, err = repo.Load(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if err := st.importJSON(ctx, repo, cfg, logger); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	st.Sync = repo
	st.Provider = config.ProviderSQLite
	return nil
}

// importJSON moves an existing json payload into an empty sqlite store,
// keeping its version so pollers do not see it go backwards.
func (st *Stores) importJSON(ctx context.Context, repo *sqlite.SyncRepository, cfg config.Config, logger *slog.Logger) error {
	raw, err := os.ReadFile(cfg.Storage.JSONPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read json payload for import: %w", err)
	}

	if cfg.Storage.BackupBeforeMigration {
		name := fmt.Sprintf("sync_%s.json", time.Now().UTC().Format("20060102T150405"))
		dst := filepath.Join(cfg.Storage.BackupDir, name)
		if err := copyFile(cfg.Storage.JSONPath, dst); err != nil {
			return fmt.Errorf("failed to back up json payload: %w", err)
		}
		st.BackupPath = dst
		logger.Info("backed up json payload", "path", dst)
	}

	src, err := jsonfile.NewSyncStore(cfg.Storage.JSONPath, logger)
	if err != nil {
		return err
	}
	env, err := src.Load(ctx)
	if err != nil {
		logger.Warn("json payload not importable, starting empty", "error", err, "bytes", len(raw))
		return nil
	}
	if err := repo.Import(ctx, env); err != nil {
		return fmt.Errorf("failed to import json payload: %w", err)
	}
	logger.Info("imported json payload into sqlite", "version", env.Version)
	return nil
}

func (st *Stores) openAudit(cfg config.Config, logger *slog.Logger) (audit.Repository, error) {
	if cfg.Audit.Store == config.AuditStoreSQLite {
		if st.DB == nil {
			db, err := sqlite.Open(cfg.Storage.SQLitePath)
			if err != nil {
				logger.Warn("sqlite audit store unavailable, using files", "error", err)
			} else {
				st.DB = db
			}
		}
		if st.DB != nil {
			return sqlite.NewAuditRepository(st.DB), nil
		}
	}

	store, err := jsonfile.NewAuditStore(cfg.Audit.Dir, cfg.Audit.RetainFiles, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	return store, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
