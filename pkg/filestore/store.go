// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package filestore implements the project file store with its
// prepare, upload, register workflow, quotas, and the staged-upload reaper.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

var (
	mon = monkit.Package()

	// Error is the default filestore error class.
	Error = errs.Class("filestore")
)

// Quota defaults per project.
const (
	DefaultMaxFiles = 10000
	DefaultMaxBytes = 1 << 40 // 1 TiB

	// StagedTTL is how long a prepared upload stays valid.
	StagedTTL = 24 * time.Hour
)

// Config carries the store's quota knobs.
type Config struct {
	MaxFiles int64  `help:"maximum registered files per project" default:"10000"`
	MaxBytes string `help:"maximum total file bytes per project" default:"1.0 TiB"`
}

// Store manages project files on the local filesystem with the registry as
// metadata source of truth.
type Store struct {
	log   *zap.Logger
	db    *registry.DB
	paths *layout.Layout

	maxFiles int64
	maxBytes int64
}

// New creates a file store. Zero limits fall back to the defaults.
func New(log *zap.Logger, db *registry.DB, paths *layout.Layout, config Config) *Store {
	store := &Store{
		log:      log,
		db:       db,
		paths:    paths,
		maxFiles: config.MaxFiles,
		maxBytes: DefaultMaxBytes,
	}
	if store.maxFiles <= 0 {
		store.maxFiles = DefaultMaxFiles
	}
	if config.MaxBytes != "" {
		if parsed, err := humanize.ParseBytes(config.MaxBytes); err == nil && parsed > 0 {
			store.maxBytes = int64(parsed)
		}
	}
	return store
}

// Prepare reserves an upload slot and returns the staged upload with its key
// and expiry.
func (s *Store) Prepare(ctx context.Context, project, name string) (_ registry.StagedUpload, err error) {
	defer mon.Task()(&ctx)(&err)

	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return registry.StagedUpload{}, faults.InvalidArgument.New("invalid file name")
	}
	if err := s.checkQuota(ctx, project, 0); err != nil {
		return registry.StagedUpload{}, err
	}

	uploadKey := uuid.NewString()
	staged := registry.StagedUpload{
		UploadKey:   uploadKey,
		ProjectID:   project,
		Name:        name,
		StagingPath: s.paths.FileStagingPath(project, uploadKey),
		StagedUntil: time.Now().UTC().Add(StagedTTL),
	}
	if err := os.MkdirAll(filepath.Dir(staged.StagingPath), 0700); err != nil {
		return registry.StagedUpload{}, faults.IOFailure.Wrap(err)
	}
	if err := s.db.Files().CreateStaged(ctx, staged); err != nil {
		return registry.StagedUpload{}, err
	}
	return staged, nil
}

// Upload streams the body into the staging location, computing SHA256 along
// the way.
func (s *Store) Upload(ctx context.Context, project, uploadKey string, body io.Reader) (written int64, checksum string, err error) {
	defer mon.Task()(&ctx)(&err)

	staged, err := s.db.Files().GetStaged(ctx, project, uploadKey)
	if err != nil {
		return 0, "", err
	}
	if time.Now().After(staged.StagedUntil) {
		return 0, "", faults.FailedPrecondition.New("upload %q has expired", uploadKey)
	}

	f, err := os.OpenFile(staged.StagingPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, "", faults.IOFailure.Wrap(err)
	}
	hasher := sha256.New()
	written, err = io.Copy(io.MultiWriter(f, hasher), body)
	if err != nil {
		return 0, "", faults.IOFailure.Wrap(errs.Combine(err, f.Close(), os.Remove(staged.StagingPath)))
	}
	if err := f.Sync(); err != nil {
		return 0, "", faults.IOFailure.Wrap(errs.Combine(err, f.Close()))
	}
	if err := f.Close(); err != nil {
		return 0, "", faults.IOFailure.Wrap(err)
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Register moves the staged upload to its final location and inserts the
// registry row. A client-supplied checksum is verified when present.
func (s *Store) Register(ctx context.Context, project, uploadKey, clientSHA256 string, tags []string) (_ registry.File, err error) {
	defer mon.Task()(&ctx)(&err)

	staged, err := s.db.Files().GetStaged(ctx, project, uploadKey)
	if err != nil {
		return registry.File{}, err
	}

	info, err := os.Stat(staged.StagingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return registry.File{}, faults.FailedPrecondition.New("upload %q has no staged bytes", uploadKey)
		}
		return registry.File{}, faults.IOFailure.Wrap(err)
	}
	if err := s.checkQuota(ctx, project, info.Size()); err != nil {
		return registry.File{}, err
	}

	checksum, err := hashFile(staged.StagingPath)
	if err != nil {
		return registry.File{}, err
	}
	if clientSHA256 != "" && !strings.EqualFold(clientSHA256, checksum) {
		return registry.File{}, faults.FailedPrecondition.New("checksum mismatch: have %s, want %s", checksum, clientSHA256)
	}

	now := time.Now().UTC()
	fileID := uuid.NewString()
	finalPath := s.paths.FilePath(project, now, fileID, staged.Name)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0700); err != nil {
		return registry.File{}, faults.IOFailure.Wrap(err)
	}
	if err := os.Rename(staged.StagingPath, finalPath); err != nil {
		return registry.File{}, faults.IOFailure.Wrap(err)
	}

	file := registry.File{
		ID:          fileID,
		ProjectID:   project,
		Name:        staged.Name,
		SizeBytes:   info.Size(),
		SHA256:      checksum,
		Tags:        tags,
		StoragePath: finalPath,
		CreatedAt:   now,
	}
	if err := s.db.Files().Create(ctx, file); err != nil {
		_ = os.Remove(finalPath)
		return registry.File{}, err
	}
	if err := s.db.Files().DeleteStaged(ctx, uploadKey); err != nil {
		s.log.Warn("staged row not removed after register",
			zap.String("upload_key", uploadKey), zap.Error(err))
	}
	return file, nil
}

// Open returns the file row and a reader over the stored bytes.
func (s *Store) Open(ctx context.Context, project, fileID string) (_ registry.File, _ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := s.db.Files().Get(ctx, project, fileID)
	if err != nil {
		return registry.File{}, nil, err
	}
	f, err := os.Open(file.StoragePath)
	if err != nil {
		if os.IsNotExist(err) {
			return registry.File{}, nil, faults.IOFailure.New("file %q bytes are missing", fileID)
		}
		return registry.File{}, nil, faults.IOFailure.Wrap(err)
	}
	return file, f, nil
}

// LocalPath resolves a file id to the path of the stored bytes. Used by the
// import pipeline.
func (s *Store) LocalPath(ctx context.Context, project, fileID string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := s.db.Files().Get(ctx, project, fileID)
	if err != nil {
		return "", err
	}
	return file.StoragePath, nil
}

// Get returns the file row.
func (s *Store) Get(ctx context.Context, project, fileID string) (registry.File, error) {
	return s.db.Files().Get(ctx, project, fileID)
}

// List returns the project's files, optionally filtered by tag.
func (s *Store) List(ctx context.Context, project, tag string) ([]registry.File, error) {
	return s.db.Files().List(ctx, project, tag)
}

// Delete removes the registry row and then the bytes. An orphan file left by
// a failed removal is tolerated.
func (s *Store) Delete(ctx context.Context, project, fileID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := s.db.Files().Get(ctx, project, fileID)
	if err != nil {
		return err
	}
	if err := s.db.Files().Delete(ctx, project, fileID); err != nil {
		return err
	}
	if err := os.Remove(file.StoragePath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("file bytes not removed",
			zap.String("file", fileID), zap.String("path", file.StoragePath), zap.Error(err))
	}
	return nil
}

// ReapStagedOnce removes expired prepared uploads and their staged bytes.
func (s *Store) ReapStagedOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	expired, err := s.db.Files().ListExpiredStaged(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, staged := range expired {
		if err := os.Remove(staged.StagingPath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("staged bytes not removed; will retry",
				zap.String("upload_key", staged.UploadKey), zap.Error(err))
			continue
		}
		if err := s.db.Files().DeleteStaged(ctx, staged.UploadKey); err != nil {
			return err
		}
	}
	if len(expired) > 0 {
		s.log.Debug("staged uploads reaped", zap.Int("count", len(expired)))
	}
	return nil
}

// checkQuota fails with ResourceExhausted when registering extra bytes would
// exceed a project limit. Counters derive from the registry on demand.
func (s *Store) checkQuota(ctx context.Context, project string, extraBytes int64) error {
	count, bytes, err := s.db.Files().Totals(ctx, project)
	if err != nil {
		return err
	}
	if count+1 > s.maxFiles {
		return faults.ResourceExhausted.New("project %q has reached the %d file limit", project, s.maxFiles)
	}
	if bytes+extraBytes > s.maxBytes {
		return faults.ResourceExhausted.New("project %q would exceed the %s storage limit",
			project, humanize.IBytes(uint64(s.maxBytes)))
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", faults.IOFailure.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", faults.IOFailure.Wrap(err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
