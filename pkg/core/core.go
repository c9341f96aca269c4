// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package core wires the storage components into one lifecycle-owned object.
// Nothing here holds global mutable state; everything hangs off Core.
package core

import (
	"context"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tablehouse/tablehouse/internal/codec"
	"github.com/tablehouse/tablehouse/internal/sync2"
	"github.com/tablehouse/tablehouse/pkg/auth"
	"github.com/tablehouse/tablehouse/pkg/branch"
	"github.com/tablehouse/tablehouse/pkg/filestore"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/locks"
	"github.com/tablehouse/tablehouse/pkg/pipeline"
	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/snapshot"
	"github.com/tablehouse/tablehouse/pkg/tableengine"
	"github.com/tablehouse/tablehouse/pkg/workspace"
)

var (
	mon = monkit.Package()

	// Error is the default core error class.
	Error = errs.Class("core")
)

// Config carries the core's knobs.
type Config struct {
	DataDir       string `help:"data directory holding the registry and all engine files" default:"/var/lib/tablehouse"`
	AdminAPIKey   string `help:"admin credential; empty disables admin access" default:""`
	SnapshotCodec string `help:"compression codec for snapshot artifacts: gzip, zstd, snappy" default:"gzip"`

	Files filestore.Config

	// Janitor cadences.
	IdempotencyInterval   time.Duration `help:"idempotency cache eviction interval" default:"1m"`
	SnapshotInterval      time.Duration `help:"expired snapshot sweep interval" default:"1h"`
	StagedUploadsInterval time.Duration `help:"stale staged upload sweep interval" default:"1h"`
	LocksInterval         time.Duration `help:"unused table lock sweep interval" default:"10m"`
	WorkspacesInterval    time.Duration `help:"expired workspace sweep interval" default:"10m"`
}

// Core owns every storage component and the janitor cycles.
type Core struct {
	Log   *zap.Logger
	DB    *registry.DB
	Paths *layout.Layout

	Locks    *locks.Manager
	Gate     *locks.Gate
	Auth     *auth.Service
	Resolver *branch.Resolver

	Tables     *tableengine.Engine
	Pipeline   *pipeline.Pipeline
	Snapshots  *snapshot.Engine
	Files      *filestore.Store
	Workspaces *workspace.Engine

	Janitors struct {
		Idempotency   *sync2.Cycle
		Snapshots     *sync2.Cycle
		StagedUploads *sync2.Cycle
		Locks         *sync2.Cycle
		Workspaces    *sync2.Cycle
	}
}

// New opens the registry and wires every component.
func New(ctx context.Context, log *zap.Logger, config Config) (_ *Core, err error) {
	defer mon.Task()(&ctx)(&err)

	paths, err := layout.New(config.DataDir)
	if err != nil {
		return nil, err
	}
	db, err := registry.Open(ctx, log.Named("registry"), paths.RegistryPath())
	if err != nil {
		return nil, err
	}

	codecName, err := codec.Parse(config.SnapshotCodec)
	if err != nil {
		return nil, errs.Combine(err, db.Close())
	}

	core := &Core{
		Log:   log,
		DB:    db,
		Paths: paths,
	}
	core.Locks = locks.NewManager(log.Named("locks"))
	core.Gate = locks.NewGate(db)
	core.Auth = auth.NewService(db, config.AdminAPIKey)
	core.Resolver = branch.NewResolver(log.Named("branch"), db, paths)
	core.Tables = tableengine.NewEngine(log.Named("tables"), db, paths, core.Locks, core.Resolver)
	core.Files = filestore.New(log.Named("files"), db, paths, config.Files)
	core.Pipeline = pipeline.New(log.Named("pipeline"), db, paths, core.Locks, core.Tables, core.Files)
	core.Snapshots = snapshot.NewEngine(log.Named("snapshots"), db, paths, core.Locks, core.Tables, codecName)
	core.Workspaces = workspace.NewEngine(log.Named("workspaces"), db, paths)

	// destructive table operations auto-snapshot through these
	core.Tables.SetAutoSnapshotter(core.Snapshots)
	core.Pipeline.SetAutoSnapshotter(core.Snapshots)

	core.Janitors.Idempotency = sync2.NewCycle(config.IdempotencyInterval)
	core.Janitors.Snapshots = sync2.NewCycle(config.SnapshotInterval)
	core.Janitors.StagedUploads = sync2.NewCycle(config.StagedUploadsInterval)
	core.Janitors.Locks = sync2.NewCycle(config.LocksInterval)
	core.Janitors.Workspaces = sync2.NewCycle(config.WorkspacesInterval)
	return core, nil
}

// Run drives the janitor cycles until ctx is done.
func (core *Core) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return core.Janitors.Idempotency.Run(ctx, func(ctx context.Context) error {
			if _, err := core.Gate.Evict(ctx); err != nil {
				core.Log.Warn("idempotency eviction failed", zap.Error(err))
			}
			return nil
		})
	})
	group.Go(func() error {
		return core.Janitors.Snapshots.Run(ctx, func(ctx context.Context) error {
			if err := core.Snapshots.ExpireOnce(ctx); err != nil {
				core.Log.Warn("snapshot expiry failed", zap.Error(err))
			}
			return nil
		})
	})
	group.Go(func() error {
		return core.Janitors.StagedUploads.Run(ctx, func(ctx context.Context) error {
			if err := core.Files.ReapStagedOnce(ctx); err != nil {
				core.Log.Warn("staged upload reap failed", zap.Error(err))
			}
			return nil
		})
	})
	group.Go(func() error {
		return core.Janitors.Locks.Run(ctx, func(ctx context.Context) error {
			core.Locks.CollectUnused(30 * time.Minute)
			return nil
		})
	})
	group.Go(func() error {
		return core.Janitors.Workspaces.Run(ctx, func(ctx context.Context) error {
			if err := core.Workspaces.ExpireOnce(ctx); err != nil {
				core.Log.Warn("workspace expiry failed", zap.Error(err))
			}
			return nil
		})
	})
	return group.Wait()
}

// Close releases the registry.
func (core *Core) Close() error {
	core.Janitors.Idempotency.Stop()
	core.Janitors.Snapshots.Stop()
	core.Janitors.StagedUploads.Stop()
	core.Janitors.Locks.Stop()
	core.Janitors.Workspaces.Stop()
	return Error.Wrap(core.DB.Close())
}
