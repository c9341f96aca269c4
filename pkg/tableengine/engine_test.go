// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package tableengine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tablehouse/tablehouse/internal/testcontext"
	"github.com/tablehouse/tablehouse/pkg/branch"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/locks"
	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/tableengine"
)

type testEnv struct {
	db     *registry.DB
	paths  *layout.Layout
	engine *tableengine.Engine
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

	require.NoError(t, db.Projects().Create(ctx, registry.Project{ID: "p1", Name: "test", CreatedAt: time.Now()}))
	require.NoError(t, db.Buckets().Create(ctx, registry.Bucket{
		ProjectID: "p1",
		Ref:       registry.BucketRef{Stage: "in", Name: "main"},
		CreatedAt: time.Now(),
	}))
	return &testEnv{db: db, paths: paths, engine: engine}
}

func tableRef(name string) registry.TableRef {
	return registry.TableRef{Bucket: registry.BucketRef{Stage: "in", Name: "main"}, Name: name}
}

var ordersColumns = []registry.Column{
	{Name: "id", Type: "INTEGER", Nullable: false},
	{Name: "name", Type: "TEXT", Nullable: true},
	{Name: "total", Type: "DOUBLE", Nullable: true},
}

func TestNormalizeType(t *testing.T) {
	cases := map[string]string{
		"int":          "INTEGER",
		"Integer":      "INTEGER",
		"varchar(255)": "TEXT",
		"string":       "TEXT",
		"bool":         "BOOLEAN",
		"datetime":     "TIMESTAMP",
		"float":        "DOUBLE",
		"numeric":      "DOUBLE",
	}
	for input, want := range cases {
		got, err := tableengine.NormalizeType(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}

	_, err := tableengine.NormalizeType("geometry")
	require.True(t, faults.InvalidArgument.Has(err))
}

func TestIsMatchAllPredicate(t *testing.T) {
	for _, predicate := range []string{"", "  ", "true", "TRUE", "1=1", "1 = 1", "( 1 = 1 )"} {
		require.True(t, tableengine.IsMatchAllPredicate(predicate), predicate)
	}
	for _, predicate := range []string{"id = 1", "name IS NULL", "2=2"} {
		require.False(t, tableengine.IsMatchAllPredicate(predicate), predicate)
	}
}

func TestCreateTable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("orders")
	require.NoError(t, env.engine.CreateTable(ctx, "p1", "", ref, ordersColumns, []string{"id"}))

	err := env.engine.CreateTable(ctx, "p1", "", ref, ordersColumns, nil)
	require.True(t, faults.Conflict.Has(err))

	err = env.engine.CreateTable(ctx, "p1", "", tableRef("empty"), nil, nil)
	require.True(t, faults.InvalidArgument.Has(err))

	err = env.engine.CreateTable(ctx, "p1", "", tableRef("bad"),
		[]registry.Column{{Name: "x", Type: "geometry"}}, nil)
	require.True(t, faults.InvalidArgument.Has(err))

	err = env.engine.CreateTable(ctx, "p1", "", tableRef("badpk"),
		ordersColumns, []string{"missing"})
	require.True(t, faults.InvalidArgument.Has(err))

	// The registry row reflects the normalised schema.
	table, err := env.db.Tables().Get(ctx, "p1", ref)
	require.NoError(t, err)
	require.Equal(t, ordersColumns, table.Columns)
	require.Equal(t, []string{"id"}, table.PrimaryKey)

	columns, pk, err := env.engine.Schema(ctx, "p1", "", ref)
	require.NoError(t, err)
	require.Len(t, columns, 3)
	require.Equal(t, []string{"id"}, pk)
}

func TestLoadAndDeleteRows(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("orders")
	require.NoError(t, env.engine.CreateTable(ctx, "p1", "", ref, ordersColumns, []string{"id"}))

	loaded, err := env.engine.LoadRows(ctx, "p1", "", ref,
		[]string{"id", "name", "total"},
		[][]interface{}{
			{1, "alpha", 10.5},
			{2, "beta", 20.0},
			{3, "gamma", 30.25},
		}, false)
	require.NoError(t, err)
	require.EqualValues(t, 3, loaded)

	rowCount, sizeBytes, err := env.engine.Stats(ctx, "p1", "", ref)
	require.NoError(t, err)
	require.EqualValues(t, 3, rowCount)
	require.Positive(t, sizeBytes)

	// The registry's cached stats track the engine file.
	table, err := env.db.Tables().Get(ctx, "p1", ref)
	require.NoError(t, err)
	require.EqualValues(t, 3, table.RowCount)

	// Duplicate key without upsert is a conflict.
	_, err = env.engine.LoadRows(ctx, "p1", "", ref,
		[]string{"id", "name", "total"},
		[][]interface{}{{1, "dup", 0.0}}, false)
	require.True(t, faults.Conflict.Has(err))

	// Upsert replaces the existing key.
	loaded, err = env.engine.LoadRows(ctx, "p1", "", ref,
		[]string{"id", "name", "total"},
		[][]interface{}{{1, "alpha2", 11.0}}, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, loaded)
	rowCount, _, err = env.engine.Stats(ctx, "p1", "", ref)
	require.NoError(t, err)
	require.EqualValues(t, 3, rowCount)

	deleted, err := env.engine.DeleteRows(ctx, "p1", "", ref, "id > 1")
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	// Empty predicate deletes everything.
	deleted, err = env.engine.DeleteRows(ctx, "p1", "", ref, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	_, err = env.engine.DeleteRows(ctx, "p1", "", ref, "no_such_column = 1")
	require.True(t, faults.InvalidArgument.Has(err))
}

func TestUpsertNeedsPrimaryKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("nopk")
	require.NoError(t, env.engine.CreateTable(ctx, "p1", "", ref, ordersColumns, nil))

	_, err := env.engine.LoadRows(ctx, "p1", "", ref,
		[]string{"id"}, [][]interface{}{{1}}, true)
	require.True(t, faults.FailedPrecondition.Has(err))
}

func TestDropTable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("orders")
	require.NoError(t, env.engine.CreateTable(ctx, "p1", "", ref, ordersColumns, nil))
	require.NoError(t, env.engine.DropTable(ctx, "p1", "", ref))

	err := env.engine.DropTable(ctx, "p1", "", ref)
	require.True(t, faults.NotFound.Has(err))

	_, err = env.db.Tables().Get(ctx, "p1", ref)
	require.True(t, faults.NotFound.Has(err))
}

func TestAddDropColumn(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("orders")
	require.NoError(t, env.engine.CreateTable(ctx, "p1", "", ref, ordersColumns, []string{"id"}))
	_, err := env.engine.LoadRows(ctx, "p1", "", ref,
		[]string{"id", "name", "total"}, [][]interface{}{{1, "a", 1.0}}, false)
	require.NoError(t, err)

	err = env.engine.AddColumn(ctx, "p1", "", ref,
		registry.Column{Name: "status", Type: "text", Nullable: false})
	require.True(t, faults.InvalidArgument.Has(err))

	require.NoError(t, env.engine.AddColumn(ctx, "p1", "", ref,
		registry.Column{Name: "status", Type: "text", Nullable: false, Default: "new"}))

	err = env.engine.AddColumn(ctx, "p1", "", ref,
		registry.Column{Name: "status", Type: "text", Nullable: true})
	require.True(t, faults.Conflict.Has(err))

	columns, _, err := env.engine.Schema(ctx, "p1", "", ref)
	require.NoError(t, err)
	require.Len(t, columns, 4)
	require.Equal(t, "status", columns[3].Name)
	require.Equal(t, "TEXT", columns[3].Type)
	require.False(t, columns[3].Nullable)

	// Primary key members cannot be dropped.
	err = env.engine.DropColumn(ctx, "p1", "", ref, "id")
	require.True(t, faults.FailedPrecondition.Has(err))

	err = env.engine.DropColumn(ctx, "p1", "", ref, "missing")
	require.True(t, faults.NotFound.Has(err))

	require.NoError(t, env.engine.DropColumn(ctx, "p1", "", ref, "status"))
	columns, _, err = env.engine.Schema(ctx, "p1", "", ref)
	require.NoError(t, err)
	require.Len(t, columns, 3)
}

func TestAlterColumn(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("orders")
	require.NoError(t, env.engine.CreateTable(ctx, "p1", "", ref, ordersColumns, []string{"id"}))
	_, err := env.engine.LoadRows(ctx, "p1", "", ref,
		[]string{"id", "name", "total"}, [][]interface{}{{1, "42", 1.5}}, false)
	require.NoError(t, err)

	err = env.engine.AlterColumn(ctx, "p1", "", ref, "name", "", "")
	require.True(t, faults.InvalidArgument.Has(err))

	require.NoError(t, env.engine.AlterColumn(ctx, "p1", "", ref, "name", "label", ""))
	columns, _, err := env.engine.Schema(ctx, "p1", "", ref)
	require.NoError(t, err)
	require.Equal(t, "label", columns[1].Name)

	// A type change rebuilds the table and casts values.
	require.NoError(t, env.engine.AlterColumn(ctx, "p1", "", ref, "label", "", "int"))
	columns, pk, err := env.engine.Schema(ctx, "p1", "", ref)
	require.NoError(t, err)
	require.Equal(t, "INTEGER", columns[1].Type)
	require.Equal(t, []string{"id"}, pk)

	preview, err := env.engine.Preview(ctx, "p1", "", ref, tableengine.PreviewOptions{Columns: []string{"label"}})
	require.NoError(t, err)
	require.Len(t, preview.Rows, 1)
	require.EqualValues(t, 42, preview.Rows[0][0])

	err = env.engine.AlterColumn(ctx, "p1", "", ref, "missing", "x", "")
	require.True(t, faults.NotFound.Has(err))
}

func TestPrimaryKeyLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("orders")
	require.NoError(t, env.engine.CreateTable(ctx, "p1", "", ref, ordersColumns, nil))
	_, err := env.engine.LoadRows(ctx, "p1", "", ref,
		[]string{"id", "name", "total"},
		[][]interface{}{{1, "a", 1.0}, {1, "b", 2.0}}, false)
	require.NoError(t, err)

	// Duplicate key values block the declaration.
	err = env.engine.AddPrimaryKey(ctx, "p1", "", ref, []string{"id"})
	require.True(t, faults.FailedPrecondition.Has(err))

	deleted, err := env.engine.DeleteRows(ctx, "p1", "", ref, "name = 'b'")
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	require.NoError(t, env.engine.AddPrimaryKey(ctx, "p1", "", ref, []string{"id"}))
	_, pk, err := env.engine.Schema(ctx, "p1", "", ref)
	require.NoError(t, err)
	require.Equal(t, []string{"id"}, pk)

	err = env.engine.AddPrimaryKey(ctx, "p1", "", ref, []string{"name"})
	require.True(t, faults.Conflict.Has(err))

	// The drop keeps the data.
	require.NoError(t, env.engine.DropPrimaryKey(ctx, "p1", "", ref))
	_, pk, err = env.engine.Schema(ctx, "p1", "", ref)
	require.NoError(t, err)
	require.Empty(t, pk)
	rowCount, _, err := env.engine.Stats(ctx, "p1", "", ref)
	require.NoError(t, err)
	require.EqualValues(t, 1, rowCount)

	err = env.engine.DropPrimaryKey(ctx, "p1", "", ref)
	require.True(t, faults.FailedPrecondition.Has(err))
}

func TestPreview(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("orders")
	require.NoError(t, env.engine.CreateTable(ctx, "p1", "", ref, ordersColumns, []string{"id"}))

	rows := make([][]interface{}, 0, 10)
	for i := 1; i <= 10; i++ {
		rows = append(rows, []interface{}{i, "row", float64(i)})
	}
	_, err := env.engine.LoadRows(ctx, "p1", "", ref, []string{"id", "name", "total"}, rows, false)
	require.NoError(t, err)

	preview, err := env.engine.Preview(ctx, "p1", "", ref, tableengine.PreviewOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, preview.Columns, 3)
	require.Len(t, preview.Rows, 3)
	require.EqualValues(t, 1, preview.Rows[0][0])

	// Offset pages through in key order.
	preview, err = env.engine.Preview(ctx, "p1", "", ref, tableengine.PreviewOptions{Limit: 3, Offset: 3})
	require.NoError(t, err)
	require.EqualValues(t, 4, preview.Rows[0][0])

	// Column subset keeps the requested order.
	preview, err = env.engine.Preview(ctx, "p1", "", ref, tableengine.PreviewOptions{
		Columns: []string{"total", "id"}, Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, preview.Columns, 2)
	require.Equal(t, "total", preview.Columns[0].Name)

	_, err = env.engine.Preview(ctx, "p1", "", ref, tableengine.PreviewOptions{Columns: []string{"missing"}})
	require.True(t, faults.InvalidArgument.Has(err))

	_, err = env.engine.Preview(ctx, "p1", "", ref, tableengine.PreviewOptions{Limit: 100000})
	require.True(t, faults.InvalidArgument.Has(err))
}

func TestProfileBasic(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("orders")
	require.NoError(t, env.engine.CreateTable(ctx, "p1", "", ref, ordersColumns, []string{"id"}))
	_, err := env.engine.LoadRows(ctx, "p1", "", ref,
		[]string{"id", "name", "total"},
		[][]interface{}{
			{1, "a", 10.0},
			{2, "b", 20.0},
			{3, nil, 30.0},
		}, false)
	require.NoError(t, err)

	profile, err := env.engine.Profile(ctx, "p1", "", ref, tableengine.ProfileBasic)
	require.NoError(t, err)
	require.EqualValues(t, 3, profile.RowCount)
	require.Len(t, profile.Columns, 3)

	byName := map[string]tableengine.ColumnProfile{}
	for _, cp := range profile.Columns {
		byName[cp.Name] = cp
	}
	require.EqualValues(t, 1, byName["name"].Nulls)
	require.EqualValues(t, 0, byName["id"].Nulls)
	require.EqualValues(t, 3, byName["id"].Distinct)
}

func TestProfileQualityCorrelations(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newTestEnv(t, ctx)

	ref := tableRef("metrics")
	columns := []registry.Column{
		{Name: "id", Type: "INTEGER", Nullable: false},
		{Name: "a", Type: "DOUBLE", Nullable: true},
		{Name: "b", Type: "DOUBLE", Nullable: true},
	}
	require.NoError(t, env.engine.CreateTable(ctx, "p1", "", ref, columns, []string{"id"}))

	// NULLs land on different rows in a and b; only rows with both values
	// present count toward the correlation, and on those b is exactly 2a.
	_, err := env.engine.LoadRows(ctx, "p1", "", ref,
		[]string{"id", "a", "b"},
		[][]interface{}{
			{1, 1.0, 2.0},
			{2, nil, 5.0},
			{3, 2.0, 4.0},
			{4, 3.0, 6.0},
			{5, 4.0, nil},
			{6, 5.0, 10.0},
		}, false)
	require.NoError(t, err)

	profile, err := env.engine.Profile(ctx, "p1", "", ref, tableengine.ProfileQuality)
	require.NoError(t, err)
	require.NotNil(t, profile.QualityScore)

	var found *tableengine.Correlation
	for i := range profile.Correlations {
		c := &profile.Correlations[i]
		if c.ColumnA == "a" && c.ColumnB == "b" {
			found = c
		}
	}
	require.NotNil(t, found)
	require.InDelta(t, 1.0, found.Coefficient, 1e-9)
}
