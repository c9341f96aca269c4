// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package filestore_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tablehouse/tablehouse/internal/testcontext"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/filestore"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

type testEnv struct {
	db    *registry.DB
	paths *layout.Layout
	store *filestore.Store
}

func newTestEnv(t *testing.T, ctx *testcontext.Context, config filestore.Config) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)

	paths, err := layout.New(ctx.Dir("data"))
	require.NoError(t, err)
	db, err := registry.Open(ctx, log, paths.RegistryPath())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	require.NoError(t, db.Projects().Create(ctx, registry.Project{ID: "p1", Name: "p", CreatedAt: time.Now()}))
	return &testEnv{db: db, paths: paths, store: filestore.New(log, db, paths, config)}
}

func sha256hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestUploadWorkflow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx, filestore.Config{})

	const content = "id,name\n1,a\n"

	staged, err := env.store.Prepare(ctx, "p1", "orders.csv")
	require.NoError(t, err)
	require.NotEmpty(t, staged.UploadKey)
	require.Equal(t, "orders.csv", staged.Name)
	require.True(t, staged.StagedUntil.After(time.Now()))

	written, checksum, err := env.store.Upload(ctx, "p1", staged.UploadKey, strings.NewReader(content))
	require.NoError(t, err)
	require.EqualValues(t, len(content), written)
	require.Equal(t, sha256hex(content), checksum)

	// The client checksum is compared case-insensitively.
	file, err := env.store.Register(ctx, "p1", staged.UploadKey, strings.ToUpper(checksum), []string{"raw"})
	require.NoError(t, err)
	require.Equal(t, "orders.csv", file.Name)
	require.EqualValues(t, len(content), file.SizeBytes)
	require.Equal(t, checksum, file.SHA256)
	require.Equal(t, []string{"raw"}, file.Tags)

	// The staged slot is consumed.
	_, err = env.db.Files().GetStaged(ctx, "p1", staged.UploadKey)
	require.Error(t, err)

	got, reader, err := env.store.Open(ctx, "p1", file.ID)
	require.NoError(t, err)
	require.Equal(t, file.ID, got.ID)
	stored, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Equal(t, content, string(stored))

	local, err := env.store.LocalPath(ctx, "p1", file.ID)
	require.NoError(t, err)
	require.Equal(t, file.StoragePath, local)

	require.NoError(t, env.store.Delete(ctx, "p1", file.ID))
	_, err = env.store.Get(ctx, "p1", file.ID)
	require.Error(t, err)
	_, err = os.Stat(file.StoragePath)
	require.True(t, os.IsNotExist(err))
}

func TestListByTag(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx, filestore.Config{})

	upload := func(name string, tags []string) registry.File {
		staged, err := env.store.Prepare(ctx, "p1", name)
		require.NoError(t, err)
		_, _, err = env.store.Upload(ctx, "p1", staged.UploadKey, strings.NewReader("x"))
		require.NoError(t, err)
		file, err := env.store.Register(ctx, "p1", staged.UploadKey, "", tags)
		require.NoError(t, err)
		return file
	}
	upload("a.csv", []string{"raw"})
	upload("b.csv", []string{"raw", "daily"})
	upload("c.csv", nil)

	files, err := env.store.List(ctx, "p1", "")
	require.NoError(t, err)
	require.Len(t, files, 3)

	files, err = env.store.List(ctx, "p1", "daily")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "b.csv", files[0].Name)

	files, err = env.store.List(ctx, "p1", "nope")
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestPrepareValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx, filestore.Config{})

	_, err := env.store.Prepare(ctx, "p1", "")
	require.True(t, faults.InvalidArgument.Has(err))
	_, err = env.store.Prepare(ctx, "p1", " . ")
	require.True(t, faults.InvalidArgument.Has(err))

	// Directory components are stripped.
	staged, err := env.store.Prepare(ctx, "p1", "../../etc/passwd.csv")
	require.NoError(t, err)
	require.Equal(t, "passwd.csv", staged.Name)
}

func TestRegisterChecksumMismatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx, filestore.Config{})

	staged, err := env.store.Prepare(ctx, "p1", "orders.csv")
	require.NoError(t, err)

	// No bytes were uploaded yet.
	_, err = env.store.Register(ctx, "p1", staged.UploadKey, "", nil)
	require.True(t, faults.FailedPrecondition.Has(err))

	_, _, err = env.store.Upload(ctx, "p1", staged.UploadKey, strings.NewReader("content"))
	require.NoError(t, err)
	_, err = env.store.Register(ctx, "p1", staged.UploadKey, "deadbeef", nil)
	require.True(t, faults.FailedPrecondition.Has(err))

	// The mismatch does not consume the slot; the right checksum succeeds.
	_, err = env.store.Register(ctx, "p1", staged.UploadKey, sha256hex("content"), nil)
	require.NoError(t, err)
}

func TestUploadExpired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx, filestore.Config{})

	require.NoError(t, env.db.Files().CreateStaged(ctx, registry.StagedUpload{
		UploadKey:   "expired",
		ProjectID:   "p1",
		Name:        "old.csv",
		StagingPath: env.paths.FileStagingPath("p1", "expired"),
		StagedUntil: time.Now().Add(-time.Minute),
	}))

	_, _, err := env.store.Upload(ctx, "p1", "expired", strings.NewReader("x"))
	require.True(t, faults.FailedPrecondition.Has(err))
}

func TestQuota(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx, filestore.Config{MaxFiles: 1, MaxBytes: "16 B"})

	staged, err := env.store.Prepare(ctx, "p1", "a.csv")
	require.NoError(t, err)

	// A body past the byte quota fails at register time.
	_, _, err = env.store.Upload(ctx, "p1", staged.UploadKey, bytes.NewReader(make([]byte, 32)))
	require.NoError(t, err)
	_, err = env.store.Register(ctx, "p1", staged.UploadKey, "", nil)
	require.True(t, faults.ResourceExhausted.Has(err))

	_, _, err = env.store.Upload(ctx, "p1", staged.UploadKey, strings.NewReader("small"))
	require.NoError(t, err)
	_, err = env.store.Register(ctx, "p1", staged.UploadKey, "", nil)
	require.NoError(t, err)

	// The file count quota rejects the next prepare.
	_, err = env.store.Prepare(ctx, "p1", "b.csv")
	require.True(t, faults.ResourceExhausted.Has(err))
}

func TestReapStagedOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx, filestore.Config{})

	fresh, err := env.store.Prepare(ctx, "p1", "fresh.csv")
	require.NoError(t, err)

	stalePath := env.paths.FileStagingPath("p1", "stale")
	require.NoError(t, os.MkdirAll(filepath.Dir(stalePath), 0700))
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), 0600))
	require.NoError(t, env.db.Files().CreateStaged(ctx, registry.StagedUpload{
		UploadKey:   "stale",
		ProjectID:   "p1",
		Name:        "stale.csv",
		StagingPath: stalePath,
		StagedUntil: time.Now().Add(-time.Minute),
	}))

	require.NoError(t, env.store.ReapStagedOnce(ctx))

	_, err = env.db.Files().GetStaged(ctx, "p1", "stale")
	require.Error(t, err)
	_, err = os.Stat(stalePath)
	require.True(t, os.IsNotExist(err))

	// The unexpired slot survives.
	_, err = env.db.Files().GetStaged(ctx, "p1", fresh.UploadKey)
	require.NoError(t, err)
}
