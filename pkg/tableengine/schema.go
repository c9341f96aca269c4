// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package tableengine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/zeebo/errs"

	"github.com/tablehouse/tablehouse/pkg/branch"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

// AddColumn appends a column. A NOT NULL column requires a default so
// existing rows stay valid.
func (e *Engine) AddColumn(ctx context.Context, project, branchID string, ref registry.TableRef, column registry.Column) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !layout.ValidName(column.Name) {
		return faults.InvalidArgument.New("invalid column name %q", column.Name)
	}
	canonical, err := NormalizeType(column.Type)
	if err != nil {
		return err
	}
	column.Type = canonical
	if !column.Nullable && column.Default == "" {
		return faults.InvalidArgument.New("NOT NULL column %q needs a default", column.Name)
	}

	return e.locks.WithLock(ctx, e.lockKey(project, branchID, ref), func(ctx context.Context) error {
		loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentWrite)
		if err != nil {
			return err
		}
		db, err := e.open(ctx, loc.Path, false)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		columns, pk, err := e.schemaOf(ctx, db, ref.Name)
		if err != nil {
			return err
		}
		if findColumn(columns, column.Name) >= 0 {
			return faults.Conflict.New("column %q already exists", column.Name)
		}

		def := quoteIdent(column.Name) + " " + column.Type
		if !column.Nullable {
			def += " NOT NULL"
		}
		if column.Default != "" {
			def += " DEFAULT " + quoteLiteral(column.Default)
		}
		if _, err := db.ExecContext(ctx, "ALTER TABLE "+quoteIdent(ref.Name)+" ADD COLUMN "+def); err != nil {
			return Error.Wrap(err)
		}
		return e.syncSchema(ctx, project, branchID, ref, append(columns, column), pk)
	})
}

// DropColumn removes a column. Primary key members cannot be dropped. When
// the drop_column trigger is enabled an auto snapshot is taken first.
func (e *Engine) DropColumn(ctx context.Context, project, branchID string, ref registry.TableRef, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return e.locks.WithLock(ctx, e.lockKey(project, branchID, ref), func(ctx context.Context) error {
		loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentWrite)
		if err != nil {
			return err
		}
		db, err := e.open(ctx, loc.Path, false)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		columns, pk, err := e.schemaOf(ctx, db, ref.Name)
		if err != nil {
			return err
		}
		idx := findColumn(columns, name)
		if idx < 0 {
			return faults.NotFound.New("column %q", name)
		}
		for _, key := range pk {
			if key == name {
				return faults.FailedPrecondition.New("column %q is a primary key member", name)
			}
		}

		if e.snapshots != nil && isDefaultBranch(branchID) {
			if _, err := e.snapshots.MaybeAutoSnapshot(ctx, project, branchID, ref, TriggerDropColumn); err != nil {
				return err
			}
		}

		if _, err := db.ExecContext(ctx, "ALTER TABLE "+quoteIdent(ref.Name)+" DROP COLUMN "+quoteIdent(name)); err != nil {
			return Error.Wrap(err)
		}
		remaining := append(append([]registry.Column{}, columns[:idx]...), columns[idx+1:]...)
		return e.syncSchema(ctx, project, branchID, ref, remaining, pk)
	})
}

// AlterColumn renames a column and/or changes its type. Type changes rebuild
// the table and preserve representable values via CAST.
func (e *Engine) AlterColumn(ctx context.Context, project, branchID string, ref registry.TableRef, name, newName, newType string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if newName == "" && newType == "" {
		return faults.InvalidArgument.New("nothing to alter")
	}
	if newName != "" && !layout.ValidName(newName) {
		return faults.InvalidArgument.New("invalid column name %q", newName)
	}
	canonical := ""
	if newType != "" {
		canonical, err = NormalizeType(newType)
		if err != nil {
			return err
		}
	}

	return e.locks.WithLock(ctx, e.lockKey(project, branchID, ref), func(ctx context.Context) error {
		loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentWrite)
		if err != nil {
			return err
		}
		db, err := e.open(ctx, loc.Path, false)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		columns, pk, err := e.schemaOf(ctx, db, ref.Name)
		if err != nil {
			return err
		}
		idx := findColumn(columns, name)
		if idx < 0 {
			return faults.NotFound.New("column %q", name)
		}
		if newName != "" && newName != name && findColumn(columns, newName) >= 0 {
			return faults.Conflict.New("column %q already exists", newName)
		}

		if newName != "" && newName != name {
			if _, err := db.ExecContext(ctx,
				"ALTER TABLE "+quoteIdent(ref.Name)+" RENAME COLUMN "+quoteIdent(name)+" TO "+quoteIdent(newName)); err != nil {
				return Error.Wrap(err)
			}
			columns[idx].Name = newName
			for i, key := range pk {
				if key == name {
					pk[i] = newName
				}
			}
			name = newName
		}

		if canonical != "" && canonical != columns[idx].Type {
			columns[idx].Type = canonical
			if err := e.rebuild(ctx, db, ref.Name, columns, pk, nil); err != nil {
				return err
			}
		}
		return e.syncSchema(ctx, project, branchID, ref, columns, pk)
	})
}

// AddPrimaryKey declares and enforces a primary key. Fails when existing rows
// contain duplicate or NULL key values.
func (e *Engine) AddPrimaryKey(ctx context.Context, project, branchID string, ref registry.TableRef, keyColumns []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(keyColumns) == 0 {
		return faults.InvalidArgument.New("primary key needs at least one column")
	}

	return e.locks.WithLock(ctx, e.lockKey(project, branchID, ref), func(ctx context.Context) error {
		loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentWrite)
		if err != nil {
			return err
		}
		db, err := e.open(ctx, loc.Path, false)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		columns, pk, err := e.schemaOf(ctx, db, ref.Name)
		if err != nil {
			return err
		}
		if len(pk) > 0 {
			return faults.Conflict.New("table %q already has a primary key", ref.Name)
		}
		quoted := make([]string, len(keyColumns))
		for i, key := range keyColumns {
			if findColumn(columns, key) < 0 {
				return faults.InvalidArgument.New("primary key column %q not in schema", key)
			}
			quoted[i] = quoteIdent(key)
		}

		keyList := strings.Join(quoted, ", ")
		var total, distinct int64
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*), COUNT(DISTINCT "+keyList+") FROM "+quoteIdent(ref.Name)).
			Scan(&total, &distinct); err != nil {
			// multi-column DISTINCT needs a subquery form
			err = db.QueryRowContext(ctx,
				"SELECT (SELECT COUNT(*) FROM "+quoteIdent(ref.Name)+"), "+
					"(SELECT COUNT(*) FROM (SELECT DISTINCT "+keyList+" FROM "+quoteIdent(ref.Name)+"))").
				Scan(&total, &distinct)
			if err != nil {
				return Error.Wrap(err)
			}
		}
		if total != distinct {
			return faults.FailedPrecondition.New("existing rows contain duplicate key values")
		}
		var nulls int64
		nullPred := make([]string, len(quoted))
		for i, q := range quoted {
			nullPred[i] = q + " IS NULL"
		}
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+quoteIdent(ref.Name)+" WHERE "+strings.Join(nullPred, " OR ")).
			Scan(&nulls); err != nil {
			return Error.Wrap(err)
		}
		if nulls > 0 {
			return faults.FailedPrecondition.New("existing rows contain NULL key values")
		}

		for i := range columns {
			for _, key := range keyColumns {
				if columns[i].Name == key {
					columns[i].Nullable = false
				}
			}
		}
		if err := e.rebuild(ctx, db, ref.Name, columns, keyColumns, nil); err != nil {
			return err
		}
		return e.syncSchema(ctx, project, branchID, ref, columns, keyColumns)
	})
}

// DropPrimaryKey removes the primary key declaration; data is unchanged.
func (e *Engine) DropPrimaryKey(ctx context.Context, project, branchID string, ref registry.TableRef) (err error) {
	defer mon.Task()(&ctx)(&err)

	return e.locks.WithLock(ctx, e.lockKey(project, branchID, ref), func(ctx context.Context) error {
		loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentWrite)
		if err != nil {
			return err
		}
		db, err := e.open(ctx, loc.Path, false)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		columns, pk, err := e.schemaOf(ctx, db, ref.Name)
		if err != nil {
			return err
		}
		if len(pk) == 0 {
			return faults.FailedPrecondition.New("table %q has no primary key", ref.Name)
		}
		if err := e.rebuild(ctx, db, ref.Name, columns, nil, nil); err != nil {
			return err
		}
		return e.syncSchema(ctx, project, branchID, ref, columns, nil)
	})
}

// rebuild recreates the table with a new schema and copies data across.
// casts maps column name to an expression replacing the bare column in the
// copy select; nil means plain CAST to the column's declared type.
func (e *Engine) rebuild(ctx context.Context, db *sql.DB, tableName string, columns []registry.Column, primaryKey []string, casts map[string]string) error {
	tmpName := "_rebuild_" + tableName

	selects := make([]string, len(columns))
	for i, col := range columns {
		expr, ok := casts[col.Name]
		if !ok {
			expr = "CAST(" + quoteIdent(col.Name) + " AS " + col.Type + ")"
		}
		selects[i] = expr
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	run := func(query string) error {
		_, err := tx.ExecContext(ctx, query)
		return err
	}
	err = errs.Combine(
		run(buildCreateTable(tmpName, columns, primaryKey)),
		run("INSERT INTO "+quoteIdent(tmpName)+" SELECT "+strings.Join(selects, ", ")+" FROM "+quoteIdent(tableName)),
		run("DROP TABLE "+quoteIdent(tableName)),
		run("ALTER TABLE "+quoteIdent(tmpName)+" RENAME TO "+quoteIdent(tableName)),
	)
	if err != nil {
		if isConstraintErr(err) {
			return faults.FailedPrecondition.Wrap(errs.Combine(err, tx.Rollback()))
		}
		return Error.Wrap(errs.Combine(err, tx.Rollback()))
	}
	return Error.Wrap(tx.Commit())
}

// syncSchema keeps the registry row consistent with the engine file for
// main-branch tables.
func (e *Engine) syncSchema(ctx context.Context, project, branchID string, ref registry.TableRef, columns []registry.Column, primaryKey []string) error {
	if !isDefaultBranch(branchID) {
		return nil
	}
	return e.db.Tables().UpdateSchema(ctx, project, ref, columns, primaryKey)
}
