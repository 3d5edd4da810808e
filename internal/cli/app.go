package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/example/lessonsync/internal/config"
	"github.com/example/lessonsync/internal/database"
	"github.com/example/lessonsync/internal/kv"
	"github.com/example/lessonsync/internal/logging"
	"github.com/example/lessonsync/internal/mirror"
	"github.com/example/lessonsync/internal/remote"
	"github.com/example/lessonsync/internal/storage"
	"github.com/example/lessonsync/internal/syncer"
)

// app owns every component a command needs
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *database.DB
	meta    *kv.Store
	store   *storage.Store
	mirror  *mirror.Mirror
	remote  remote.Remote
	svc     *syncer.Service
	closers []io.Closer
}

// openApp wires the engine. It does not fail: an unreachable remote or
// an unusable SQLite file degrades to offline operation.
func openApp(ctx context.Context, cfg *config.Config, memoryRemote bool) *app {
	logger, logCloser := logging.New(logging.Options{File: cfg.LogFile, Level: cfg.LogLevel})
	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      database.New(cfg.SQLitePath),
		meta:    kv.Open(cfg.KVPath, logger),
		closers: []io.Closer{logCloser},
	}
	a.closers = append(a.closers, a.meta)
	a.store = storage.New(storage.Options{
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		Logger:      logger,
	}, database.NewCheckpointRepository(a.db), storage.NewKVBackend(a.meta))

	a.mirror = mirror.New(a.meta, logger)

	online := false
	switch {
	case cfg.RemoteDSN != "":
		pg, err := remote.OpenPostgres(ctx, cfg.RemoteDSN, logger)
		if err != nil {
			logger.Warn("Remote service unreachable, working offline", "error", err)
			a.remote = remote.Unavailable{}
			break
		}
		a.remote = pg
		a.closers = append(a.closers, pg)
		online = true
	case memoryRemote:
		a.remote = remote.NewMemory()
		online = true
	default:
		a.remote = remote.Unavailable{}
	}

	a.svc = syncer.New(syncer.Options{
		Config: cfg,
		Store:  a.store,
		Mirror: a.mirror,
		Meta:   a.meta,
		Remote: a.remote,
		Logger: logger,
		Online: online,
	})
	return a
}

// Close flushes pending writes and releases resources
func (a *app) Close(ctx context.Context) error {
	errs := []error{a.svc.Stop(ctx), a.db.Close()}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}
