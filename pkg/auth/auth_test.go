// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package auth_test

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tablehouse/tablehouse/internal/testcontext"
	"github.com/tablehouse/tablehouse/pkg/auth"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

func openRegistry(t *testing.T, ctx *testcontext.Context) *registry.DB {
	t.Helper()
	db, err := registry.Open(ctx, zaptest.NewLogger(t), filepath.Join(ctx.Dir("registry"), "metadata.db"))
	require.NoError(t, err)
	return db
}

func TestAuthenticate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	service := auth.NewService(db, "super-secret-admin")

	adminCtx, err := service.Authenticate(ctx, "super-secret-admin")
	require.NoError(t, err)
	require.True(t, adminCtx.IsAdmin)
	require.True(t, adminCtx.CanAccess("anything"))

	plaintext, err := auth.GenerateProjectKey("p1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(plaintext, "proj_p1_admin_"))
	require.NoError(t, db.APIKeys().Create(ctx, registry.APIKey{
		ProjectID: "p1", KeyHash: auth.HashKey(plaintext), CreatedAt: time.Now(),
	}))

	projectCtx, err := service.Authenticate(ctx, plaintext)
	require.NoError(t, err)
	require.False(t, projectCtx.IsAdmin)
	require.Equal(t, "p1", projectCtx.ProjectID)
	require.True(t, projectCtx.CanAccess("p1"))
	require.False(t, projectCtx.CanAccess("p2"))

	_, err = service.Authenticate(ctx, "")
	require.True(t, faults.Unauthenticated.Has(err))

	_, err = service.Authenticate(ctx, "garbage")
	require.Error(t, err)
}

func TestAdminDisabled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	service := auth.NewService(db, "")
	_, err := service.Authenticate(ctx, "")
	require.Error(t, err)
	_, err = service.Authenticate(ctx, "anything")
	require.Error(t, err)
}

func TestRequire(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	service := auth.NewService(db, "admin-key")

	admin := auth.Context{IsAdmin: true}
	project := auth.Context{ProjectID: "p1"}

	require.NoError(t, service.RequireProject(admin, "p1"))
	require.NoError(t, service.RequireProject(project, "p1"))
	require.True(t, faults.PermissionDenied.Has(service.RequireProject(project, "p2")))

	require.NoError(t, service.RequireAdmin(admin))
	require.True(t, faults.PermissionDenied.Has(service.RequireAdmin(project)))
}

func TestHashKey(t *testing.T) {
	hash := auth.HashKey("some-key")
	require.Len(t, hash, 64)
	require.Equal(t, hash, auth.HashKey("some-key"))
	require.NotEqual(t, hash, auth.HashKey("other-key"))
}

func TestExtractKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	require.Empty(t, auth.ExtractKey(r))

	r.Header.Set("X-Api-Key", "key-a")
	require.Equal(t, "key-a", auth.ExtractKey(r))

	// Authorization: Bearer wins over X-Api-Key.
	r.Header.Set("Authorization", "Bearer key-b")
	require.Equal(t, "key-b", auth.ExtractKey(r))

	// A non-bearer Authorization header falls back to X-Api-Key.
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	require.Equal(t, "key-a", auth.ExtractKey(r))
}

func TestProjectSigningSecret(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	service := auth.NewService(db, "")

	_, err := service.ProjectSigningSecret(ctx, "p1")
	require.True(t, faults.FailedPrecondition.Has(err))

	require.NoError(t, db.APIKeys().Create(ctx, registry.APIKey{
		ProjectID: "p1", KeyHash: auth.HashKey("k"), CreatedAt: time.Now(),
	}))
	secret, err := service.ProjectSigningSecret(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, auth.HashKey("k"), secret)
}
