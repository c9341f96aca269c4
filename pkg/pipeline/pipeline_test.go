// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package pipeline_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tablehouse/tablehouse/internal/codec"
	"github.com/tablehouse/tablehouse/internal/testcontext"
	"github.com/tablehouse/tablehouse/pkg/branch"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/locks"
	"github.com/tablehouse/tablehouse/pkg/pipeline"
	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/snapshot"
	"github.com/tablehouse/tablehouse/pkg/tableengine"
)

// localFiles resolves file ids to paths laid down by the test.
type localFiles map[string]string

func (f localFiles) LocalPath(ctx context.Context, projectID, fileID string) (string, error) {
	path, ok := f[fileID]
	if !ok {
		return "", faults.NotFound.New("file %q", fileID)
	}
	return path, nil
}

type testEnv struct {
	db       *registry.DB
	engine   *tableengine.Engine
	pipeline *pipeline.Pipeline
	files    localFiles
}

func newTestEnv(t *testing.T, ctx *testcontext.Context) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)

	paths, err := layout.New(ctx.Dir("data"))
	require.NoError(t, err)
	db, err := registry.Open(ctx, log, paths.RegistryPath())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	lockMgr := locks.NewManager(log)
	resolver := branch.NewResolver(log, db, paths)
	engine := tableengine.NewEngine(log, db, paths, lockMgr, resolver)
	snapshots := snapshot.NewEngine(log, db, paths, lockMgr, engine, codec.Gzip)
	engine.SetAutoSnapshotter(snapshots)

	files := localFiles{}
	p := pipeline.New(log, db, paths, lockMgr, engine, files)
	p.SetAutoSnapshotter(snapshots)

	require.NoError(t, db.Projects().Create(ctx, registry.Project{ID: "p1", Name: "p", CreatedAt: time.Now()}))
	require.NoError(t, db.Buckets().Create(ctx, registry.Bucket{
		ProjectID: "p1",
		Ref:       registry.BucketRef{Stage: "in", Name: "main"},
		CreatedAt: time.Now(),
	}))
	return &testEnv{db: db, engine: engine, pipeline: p, files: files}
}

func tableRef(name string) registry.TableRef {
	return registry.TableRef{Bucket: registry.BucketRef{Stage: "in", Name: "main"}, Name: name}
}

func createOrders(t *testing.T, ctx *testcontext.Context, env *testEnv, primaryKey []string) registry.TableRef {
	t.Helper()
	ref := tableRef("orders")
	require.NoError(t, env.engine.CreateTable(ctx, "p1", layout.DefaultBranch, ref, []registry.Column{
		{Name: "id", Type: "INTEGER", Nullable: false},
		{Name: "name", Type: "TEXT", Nullable: true},
		{Name: "total", Type: "DOUBLE", Nullable: true},
	}, primaryKey))
	return ref
}

// csvServer serves the given body on every request.
func csvServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestImportFullFromURL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	ref := createOrders(t, ctx, env, []string{"id"})

	server := csvServer(t, "id,name,total\n1,a,1.5\n2,b,2.5\n")
	result, err := env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: server.URL}, pipeline.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.ImportedRows)
	require.EqualValues(t, 2, result.TableRowsTotal)
	require.Equal(t, []string{"id", "name", "total"}, result.Columns)
	require.Greater(t, result.TableSizeBytes, int64(0))

	// A second full import replaces the previous rows entirely.
	server2 := csvServer(t, "id,name\n7,z\n")
	result, err = env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: server2.URL}, pipeline.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 1, result.ImportedRows)
	require.EqualValues(t, 1, result.TableRowsTotal)

	rowCount, _, err := env.engine.Stats(ctx, "p1", layout.DefaultBranch, ref)
	require.NoError(t, err)
	require.EqualValues(t, 1, rowCount)

	// The registry stats were synced.
	table, err := env.db.Tables().Get(ctx, "p1", ref)
	require.NoError(t, err)
	require.EqualValues(t, 1, table.RowCount)
}

func TestImportIncremental(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	ref := createOrders(t, ctx, env, []string{"id"})

	seed := csvServer(t, "id,name,total\n1,a,1.5\n2,b,2.5\n")
	_, err := env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: seed.URL}, pipeline.Options{})
	require.NoError(t, err)

	// The default incremental strategy replaces duplicates by primary key.
	update := csvServer(t, "id,name,total\n2,b2,9.0\n3,c,3.5\n")
	result, err := env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: update.URL}, pipeline.Options{Incremental: true})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.ImportedRows)
	require.EqualValues(t, 3, result.TableRowsTotal)

	page, err := env.engine.Preview(ctx, "p1", layout.DefaultBranch, ref, tableengine.PreviewOptions{
		Columns: []string{"id", "name"},
	})
	require.NoError(t, err)
	require.Len(t, page.Rows, 3)
	require.Equal(t, []interface{}{int64(2), "b2"}, page.Rows[1])

	// fail_on_duplicates rejects staged rows that collide with existing keys.
	collide := csvServer(t, "id,name\n3,again\n")
	_, err = env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: collide.URL},
		pipeline.Options{Incremental: true, Duplicates: pipeline.FailOnDuplicates})
	require.True(t, faults.Conflict.Has(err))

	// The failed import left the table untouched.
	rowCount, _, err := env.engine.Stats(ctx, "p1", layout.DefaultBranch, ref)
	require.NoError(t, err)
	require.EqualValues(t, 3, rowCount)
}

func TestImportInsertDuplicates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	ref := createOrders(t, ctx, env, nil)

	server := csvServer(t, "id,name\n1,a\n")
	_, err := env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: server.URL}, pipeline.Options{})
	require.NoError(t, err)

	// Without a primary key insert_duplicates simply appends.
	result, err := env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: server.URL},
		pipeline.Options{Incremental: true, Duplicates: pipeline.InsertDuplicates})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.TableRowsTotal)
}

func TestImportValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	ref := createOrders(t, ctx, env, nil)

	server := csvServer(t, "id,name\n1,a\n")

	// update_duplicates needs a primary key on the destination.
	_, err := env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: server.URL}, pipeline.Options{Incremental: true})
	require.True(t, faults.FailedPrecondition.Has(err))

	_, err = env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: server.URL},
		pipeline.Options{Incremental: true, Duplicates: "coalesce"})
	require.True(t, faults.InvalidArgument.Has(err))

	// A source column outside the destination schema is rejected.
	bad := csvServer(t, "id,bogus\n1,a\n")
	_, err = env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: bad.URL}, pipeline.Options{})
	require.True(t, faults.InvalidArgument.Has(err))

	// A source may not supply engine-managed columns.
	system := csvServer(t, "id,_loaded_at\n1,now\n")
	_, err = env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: system.URL}, pipeline.Options{})
	require.True(t, faults.InvalidArgument.Has(err))

	empty := csvServer(t, "")
	_, err = env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: empty.URL}, pipeline.Options{})
	require.True(t, faults.InvalidArgument.Has(err))

	_, err = env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{}, pipeline.Options{})
	require.True(t, faults.InvalidArgument.Has(err))
}

func TestImportFromFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	ref := createOrders(t, ctx, env, []string{"id"})

	path := ctx.File("sources", "orders.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte("id;name\n1;a\n2;b\n"), 0600))
	env.files["f1"] = path

	result, err := env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{FileID: "f1"}, pipeline.Options{Delimiter: ';'})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.ImportedRows)

	_, err = env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{FileID: "missing"}, pipeline.Options{})
	require.True(t, faults.NotFound.Has(err))
}

func TestImportCompressedSource(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	ref := createOrders(t, ctx, env, []string{"id"})

	var buf bytes.Buffer
	w, err := codec.Gzip.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte("id,name\n1,a\n2,b\n3,c\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := ctx.File("sources", "orders.csv.gz")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	env.files["f1"] = path

	result, err := env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{FileID: "f1"}, pipeline.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 3, result.ImportedRows)
}

func TestImportTruncateAutoSnapshot(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	ref := createOrders(t, ctx, env, []string{"id"})

	require.NoError(t, env.db.Settings().Set(ctx, registry.Setting{
		Scope: registry.ScopeProject, ScopeKey: "p1",
		Key: registry.KeyAutoSnapshotTriggers, Value: "truncate",
	}))

	server := csvServer(t, "id,name\n1,a\n")

	// The first full import finds an empty table and takes no snapshot.
	_, err := env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: server.URL}, pipeline.Options{})
	require.NoError(t, err)
	snaps, err := env.db.Snapshots().List(ctx, "p1", &ref)
	require.NoError(t, err)
	require.Empty(t, snaps)

	// The second one truncates existing rows and snapshots first.
	_, err = env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: server.URL}, pipeline.Options{})
	require.NoError(t, err)
	snaps, err = env.db.Snapshots().List(ctx, "p1", &ref)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, registry.SnapshotAuto, snaps[0].Kind)
	require.Equal(t, "truncate", snaps[0].Trigger)
}

func seedExportTable(t *testing.T, ctx *testcontext.Context, env *testEnv) registry.TableRef {
	t.Helper()
	ref := createOrders(t, ctx, env, []string{"id"})
	server := csvServer(t, "id,name,total\n1,a,1.5\n2,b,2.5\n3,c,3.5\n")
	_, err := env.pipeline.Import(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.Source{URL: server.URL}, pipeline.Options{})
	require.NoError(t, err)
	return ref
}

func TestExportCSV(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	ref := seedExportTable(t, ctx, env)

	var buf bytes.Buffer
	exported, err := env.pipeline.Export(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.ExportOptions{}, &buf)
	require.NoError(t, err)
	require.EqualValues(t, 3, exported)
	require.Equal(t, "id,name,total\n1,a,1.5\n2,b,2.5\n3,c,3.5\n", buf.String())

	// A column subset keeps the requested order, and the predicate narrows.
	buf.Reset()
	exported, err = env.pipeline.Export(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.ExportOptions{Columns: []string{"name", "id"}, Where: "id >= 2", Limit: 1}, &buf)
	require.NoError(t, err)
	require.EqualValues(t, 1, exported)
	require.Equal(t, "name,id\nb,2\n", buf.String())

	_, err = env.pipeline.Export(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.ExportOptions{Columns: []string{"bogus"}}, &buf)
	require.True(t, faults.InvalidArgument.Has(err))

	_, err = env.pipeline.Export(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.ExportOptions{Where: "id >>> 1"}, &buf)
	require.True(t, faults.InvalidArgument.Has(err))

	_, err = env.pipeline.Export(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.ExportOptions{Format: "xml"}, &buf)
	require.True(t, faults.InvalidArgument.Has(err))
}

func TestExportCompressed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	ref := seedExportTable(t, ctx, env)

	var buf bytes.Buffer
	exported, err := env.pipeline.Export(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.ExportOptions{Compress: true}, &buf)
	require.NoError(t, err)
	require.EqualValues(t, 3, exported)

	r, err := codec.Gzip.NewReader(&buf)
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "id,name,total\n1,a,1.5\n2,b,2.5\n3,c,3.5\n", string(plain))
}

func TestExportToDestination(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)
	ref := seedExportTable(t, ctx, env)

	destination := ctx.File("exports", "orders.csv")
	exported, path, err := env.pipeline.ExportToDestination(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.ExportOptions{}, destination)
	require.NoError(t, err)
	require.EqualValues(t, 3, exported)
	require.Equal(t, destination, path)

	content, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.Equal(t, "id,name,total\n1,a,1.5\n2,b,2.5\n3,c,3.5\n", string(content))

	// A failed export does not leave a partial file behind.
	_, _, err = env.pipeline.ExportToDestination(ctx, "p1", layout.DefaultBranch, ref,
		pipeline.ExportOptions{Columns: []string{"bogus"}}, destination)
	require.Error(t, err)
	_, err = os.Stat(destination)
	require.True(t, os.IsNotExist(err))
}
