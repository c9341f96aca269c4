// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package workspace_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tablehouse/tablehouse/internal/testcontext"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/workspace"
)

type testEnv struct {
	db     *registry.DB
	paths  *layout.Layout
	engine *workspace.Engine
}

func newTestEnv(t *testing.T, ctx *testcontext.Context) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)

	paths, err := layout.New(ctx.Dir("data"))
	require.NoError(t, err)
	db, err := registry.Open(ctx, log, paths.RegistryPath())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	require.NoError(t, db.Projects().Create(ctx, registry.Project{ID: "p1", Name: "p", CreatedAt: time.Now()}))
	return &testEnv{db: db, paths: paths, engine: workspace.NewEngine(log, db, paths)}
}

func TestCreateAndLogin(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	created, err := env.engine.Create(ctx, "p1", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, registry.WorkspaceActive, created.Workspace.Status)
	require.EqualValues(t, workspace.DefaultSizeLimit, created.Workspace.SizeLimitBytes)
	require.True(t, strings.HasPrefix(created.Username, "ws_"+created.Workspace.ID+"_"))
	require.NotEmpty(t, created.Password)

	// The engine file is allocated up front.
	_, err = os.Stat(created.Workspace.DBPath)
	require.NoError(t, err)

	got, err := env.engine.Login(ctx, created.Username, created.Password)
	require.NoError(t, err)
	require.Equal(t, created.Workspace.ID, got.ID)

	_, err = env.engine.Login(ctx, created.Username, "wrong")
	require.True(t, faults.Unauthenticated.Has(err))

	// Creating against an unknown project or branch fails.
	_, err = env.engine.Create(ctx, "nope", "", 0, 0)
	require.Error(t, err)
	_, err = env.engine.Create(ctx, "p1", "missing-branch", 0, 0)
	require.Error(t, err)
}

func TestResetCredential(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	created, err := env.engine.Create(ctx, "p1", "", 0, 0)
	require.NoError(t, err)

	password, err := env.engine.ResetCredential(ctx, "p1", created.Workspace.ID)
	require.NoError(t, err)
	require.NotEqual(t, created.Password, password)

	_, err = env.engine.Login(ctx, created.Username, created.Password)
	require.True(t, faults.Unauthenticated.Has(err))
	_, err = env.engine.Login(ctx, created.Username, password)
	require.NoError(t, err)

	// Another project cannot rotate this workspace's password.
	_, err = env.engine.ResetCredential(ctx, "p2", created.Workspace.ID)
	require.True(t, faults.NotFound.Has(err))
}

func TestGetListDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	created, err := env.engine.Create(ctx, "p1", "", 0, 0)
	require.NoError(t, err)

	got, err := env.engine.Get(ctx, "p1", created.Workspace.ID)
	require.NoError(t, err)
	require.Equal(t, created.Workspace.ID, got.ID)
	_, err = env.engine.Get(ctx, "p2", created.Workspace.ID)
	require.True(t, faults.NotFound.Has(err))

	list, err := env.engine.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, env.engine.Delete(ctx, "p1", created.Workspace.ID))
	_, err = env.engine.Get(ctx, "p1", created.Workspace.ID)
	require.True(t, faults.NotFound.Has(err))
	_, err = os.Stat(created.Workspace.DBPath)
	require.True(t, os.IsNotExist(err))
}

func TestAttachments(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	bucket := registry.BucketRef{Stage: "in", Name: "main"}
	require.NoError(t, env.db.Buckets().Create(ctx, registry.Bucket{
		ProjectID: "p1", Ref: bucket, CreatedAt: time.Now(),
	}))
	ordersRef := registry.TableRef{Bucket: bucket, Name: "orders"}
	require.NoError(t, env.db.Tables().Create(ctx, registry.Table{
		ProjectID: "p1", Ref: ordersRef,
		Columns:   []registry.Column{{Name: "id", Type: "INTEGER"}},
		CreatedAt: time.Now(),
	}))

	created, err := env.engine.Create(ctx, "p1", "", 0, 0)
	require.NoError(t, err)

	attachments, err := env.engine.Attachments(ctx, created.Workspace)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	require.Equal(t, bucket.DirName()+"_orders", attachments[0].Alias)
	require.Equal(t,
		env.paths.TablePath("p1", layout.DefaultBranch, "in", "main", "orders"),
		attachments[0].Path)
}

func TestAttachmentsOnBranch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	bucket := registry.BucketRef{Stage: "in", Name: "main"}
	require.NoError(t, env.db.Buckets().Create(ctx, registry.Bucket{
		ProjectID: "p1", Ref: bucket, CreatedAt: time.Now(),
	}))
	ordersRef := registry.TableRef{Bucket: bucket, Name: "orders"}
	require.NoError(t, env.db.Tables().Create(ctx, registry.Table{
		ProjectID: "p1", Ref: ordersRef,
		Columns:   []registry.Column{{Name: "id", Type: "INTEGER"}},
		CreatedAt: time.Now(),
	}))
	require.NoError(t, env.db.Branches().Create(ctx, registry.Branch{
		ProjectID: "p1", ID: "dev", Name: "dev", CreatedAt: time.Now(),
	}))

	// A diverged table and a branch-only table both attach from the branch
	// directory; the untouched main table attaches as a live view.
	scratchRef := registry.TableRef{Bucket: bucket, Name: "scratch"}
	require.NoError(t, env.db.Branches().UpsertTable(ctx, registry.BranchTable{
		ProjectID: "p1", BranchID: "dev", Table: ordersRef, Source: registry.SourceBranch,
	}))
	require.NoError(t, env.db.Branches().UpsertTable(ctx, registry.BranchTable{
		ProjectID: "p1", BranchID: "dev", Table: scratchRef, Source: registry.SourceBranchOnly,
	}))

	created, err := env.engine.Create(ctx, "p1", "dev", 0, 0)
	require.NoError(t, err)

	attachments, err := env.engine.Attachments(ctx, created.Workspace)
	require.NoError(t, err)
	require.Len(t, attachments, 2)

	byAlias := map[string]workspace.Attachment{}
	for _, a := range attachments {
		byAlias[a.Alias] = a
	}
	require.Equal(t,
		env.paths.TablePath("p1", "dev", "in", "main", "orders"),
		byAlias[bucket.DirName()+"_orders"].Path)
	require.Equal(t,
		env.paths.TablePath("p1", "dev", "in", "main", "scratch"),
		byAlias[bucket.DirName()+"_scratch"].Path)
}

func TestExpireOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	short, err := env.engine.Create(ctx, "p1", "", time.Millisecond, 0)
	require.NoError(t, err)
	long, err := env.engine.Create(ctx, "p1", "", time.Hour, 0)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, env.engine.ExpireOnce(ctx))

	got, err := env.engine.Get(ctx, "p1", short.Workspace.ID)
	require.NoError(t, err)
	require.Equal(t, registry.WorkspaceExpired, got.Status)
	_, err = os.Stat(short.Workspace.DBPath)
	require.True(t, os.IsNotExist(err))

	// Logins against an expired workspace are refused.
	_, err = env.engine.Login(ctx, short.Username, short.Password)
	require.True(t, faults.Unauthenticated.Has(err))

	got, err = env.engine.Get(ctx, "p1", long.Workspace.ID)
	require.NoError(t, err)
	require.Equal(t, registry.WorkspaceActive, got.Status)
}
