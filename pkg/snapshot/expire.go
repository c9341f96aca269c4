// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package snapshot

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/pkg/faults"
)

// Delete removes the artifact directory and then the registry row. A failed
// artifact removal keeps the row so the janitor retries.
func (e *Engine) Delete(ctx context.Context, project, snapshotID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot, err := e.db.Snapshots().Get(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snapshot.ProjectID != project {
		return faults.NotFound.New("snapshot %q", snapshotID)
	}
	if err := os.RemoveAll(snapshot.ArtifactPath); err != nil {
		return Error.Wrap(err)
	}
	return e.db.Snapshots().Delete(ctx, snapshotID)
}

// ExpireOnce deletes all snapshots whose expiry has passed. Run by a janitor
// cycle.
func (e *Engine) ExpireOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	expired, err := e.db.Snapshots().ListExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	removed := 0
	for _, snapshot := range expired {
		if err := os.RemoveAll(snapshot.ArtifactPath); err != nil {
			e.log.Warn("expired artifact not removed; will retry",
				zap.String("snapshot", snapshot.ID),
				zap.String("path", snapshot.ArtifactPath),
				zap.Error(err))
			continue
		}
		if err := e.db.Snapshots().Delete(ctx, snapshot.ID); err != nil {
			e.log.Warn("expired snapshot row not removed",
				zap.String("snapshot", snapshot.ID), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		e.log.Debug("expired snapshots removed", zap.Int("count", removed))
	}
	return nil
}
