// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"

	"github.com/tablehouse/tablehouse/internal/codec"
	"github.com/tablehouse/tablehouse/internal/dbutil"
	"github.com/tablehouse/tablehouse/pkg/branch"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

// Export formats.
const (
	FormatCSV      = "csv"
	FormatColumnar = "columnar"
)

// ExportOptions narrows and encodes an export.
type ExportOptions struct {
	// Format is csv or columnar; csv is the default.
	Format string
	// Columns selects a subset; empty means all non-system columns.
	Columns []string
	// Where is an optional predicate appended verbatim.
	Where string
	// Limit caps exported rows; zero means all.
	Limit int64
	// Compress enables gzip for csv. Columnar is always compressed with
	// Codec (default gzip).
	Compress bool
	Codec    codec.Name
}

// Export streams the table to w in the requested format. Returns the number
// of exported rows.
func (p *Pipeline) Export(ctx context.Context, project, branchID string, ref registry.TableRef, opts ExportOptions, w io.Writer) (exported int64, err error) {
	defer mon.Task()(&ctx)(&err)

	switch opts.Format {
	case "", FormatCSV:
		opts.Format = FormatCSV
	case FormatColumnar:
	default:
		return 0, faults.InvalidArgument.New("unknown export format %q", opts.Format)
	}
	if opts.Codec == "" {
		opts.Codec = codec.Default
	}

	loc, err := p.engine.Resolver().Resolve(ctx, project, branchID, ref, branch.IntentRead)
	if err != nil {
		return 0, err
	}
	db, err := dbutil.OpenSQLite(ctx, loc.Path, dbutil.ReadOptions())
	if err != nil {
		return 0, faults.IOFailure.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(db.Close())) }()

	columns, _, err := p.engine.Schema(ctx, project, branchID, ref)
	if err != nil {
		return 0, err
	}
	selected := make([]string, 0, len(columns))
	if len(opts.Columns) > 0 {
		for _, name := range opts.Columns {
			found := false
			for _, col := range columns {
				if col.Name == name {
					found = true
					break
				}
			}
			if !found {
				return 0, faults.InvalidArgument.New("unknown column %q", name)
			}
			selected = append(selected, name)
		}
	} else {
		for _, col := range columns {
			selected = append(selected, col.Name)
		}
	}

	query := "SELECT " + strings.Join(quoteAll(selected), ", ") + " FROM " + quoteIdent(ref.Name)
	if opts.Where != "" {
		query += " WHERE " + opts.Where
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	out := w
	var closers []io.Closer
	if opts.Format == FormatColumnar || opts.Compress {
		name := opts.Codec
		if opts.Format == FormatCSV {
			name = codec.Gzip
		}
		cw, err := name.NewWriter(w)
		if err != nil {
			return 0, err
		}
		out = cw
		closers = append(closers, cw)
	}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = errs.Combine(err, Error.Wrap(closers[i].Close()))
		}
	}()

	cw := csv.NewWriter(out)
	if err := cw.Write(selected); err != nil {
		return 0, faults.IOFailure.Wrap(err)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		if strings.Contains(err.Error(), "syntax error") {
			return 0, faults.InvalidArgument.New("bad where clause: %v", err)
		}
		return 0, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	record := make([]string, len(selected))
	values := make([]any, len(selected))
	scans := make([]any, len(selected))
	for i := range values {
		scans[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scans...); err != nil {
			return 0, Error.Wrap(err)
		}
		for i, v := range values {
			record[i] = renderCell(v)
		}
		if err := cw.Write(record); err != nil {
			return 0, faults.IOFailure.Wrap(err)
		}
		exported++
	}
	if err := rows.Err(); err != nil {
		return 0, Error.Wrap(err)
	}
	cw.Flush()
	return exported, faults.IOFailure.Wrap(cw.Error())
}

// ExportToDestination writes the export to a local path or to an internal S3
// path addressing this deployment's files.
func (p *Pipeline) ExportToDestination(ctx context.Context, project, branchID string, ref registry.TableRef, opts ExportOptions, destination string) (exported int64, path string, err error) {
	defer mon.Task()(&ctx)(&err)

	if local, ok := p.translateInternal(destination); ok {
		destination = local
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0700); err != nil {
		return 0, "", faults.IOFailure.Wrap(err)
	}

	f, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, "", faults.IOFailure.Wrap(err)
	}
	exported, err = p.Export(ctx, project, branchID, ref, opts, f)
	if err != nil {
		return 0, "", errs.Combine(err, f.Close(), os.Remove(destination))
	}
	if err := f.Close(); err != nil {
		return 0, "", faults.IOFailure.Wrap(err)
	}
	return exported, destination, nil
}

func renderCell(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(value)
	case string:
		return value
	default:
		return fmt.Sprint(value)
	}
}
