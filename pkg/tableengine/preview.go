// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package tableengine

import (
	"context"
	"strings"

	"github.com/tablehouse/tablehouse/pkg/branch"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

// Preview limits.
const (
	DefaultPreviewLimit = 100
	MaxPreviewLimit     = 1000
)

// PreviewOptions narrows a preview request.
type PreviewOptions struct {
	// Columns selects a subset; empty means all columns in schema order.
	Columns []string
	Limit   int
	Offset  int
}

// Preview is a page of rows. Values are rendered as returned by the engine;
// NULL becomes nil.
type Preview struct {
	Columns []registry.Column
	Rows    [][]any
}

// Preview reads a deterministic page of rows. Tables with a primary key are
// ordered by it; the rest fall back to insertion order.
func (e *Engine) Preview(ctx context.Context, project, branchID string, ref registry.TableRef, opts PreviewOptions) (_ *Preview, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.Limit == 0 {
		opts.Limit = DefaultPreviewLimit
	}
	if opts.Limit < 0 || opts.Limit > MaxPreviewLimit {
		return nil, faults.InvalidArgument.New("limit must be between 1 and %d", MaxPreviewLimit)
	}
	if opts.Offset < 0 {
		return nil, faults.InvalidArgument.New("offset must not be negative")
	}

	loc, err := e.resolver.Resolve(ctx, project, branchID, ref, branch.IntentRead)
	if err != nil {
		return nil, err
	}
	db, err := e.open(ctx, loc.Path, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	columns, primaryKey, err := e.schemaOf(ctx, db, ref.Name)
	if err != nil {
		return nil, err
	}

	selected := columns
	if len(opts.Columns) > 0 {
		selected = make([]registry.Column, 0, len(opts.Columns))
		for _, name := range opts.Columns {
			idx := findColumn(columns, name)
			if idx < 0 {
				return nil, faults.InvalidArgument.New("unknown column %q", name)
			}
			selected = append(selected, columns[idx])
		}
	}

	names := make([]string, len(selected))
	for i, col := range selected {
		names[i] = quoteIdent(col.Name)
	}
	query := "SELECT " + strings.Join(names, ", ") + " FROM " + quoteIdent(ref.Name)
	if len(primaryKey) > 0 {
		ordered := make([]string, len(primaryKey))
		for i, key := range primaryKey {
			ordered[i] = quoteIdent(key)
		}
		query += " ORDER BY " + strings.Join(ordered, ", ")
	} else {
		query += " ORDER BY rowid"
	}
	query += " LIMIT ? OFFSET ?"

	rows, err := db.QueryContext(ctx, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	result := &Preview{Columns: selected, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(selected))
		scans := make([]any, len(selected))
		for i := range values {
			scans[i] = &values[i]
		}
		if err := rows.Scan(scans...); err != nil {
			return nil, Error.Wrap(err)
		}
		for i, v := range values {
			if raw, ok := v.([]byte); ok {
				values[i] = string(raw)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return result, nil
}
