// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/zeebo/errs"

	"github.com/tablehouse/tablehouse/internal/codec"
	"github.com/tablehouse/tablehouse/internal/dbutil"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/tableengine"
)

// stageBatchSize rows per staging transaction.
const stageBatchSize = 1000

// stage copies the source into a fresh staging file. It returns the staged
// row count and the destination column order taken from the source header.
func (p *Pipeline) stage(ctx context.Context, project, stagingPath string, src Source, dataColumns []registry.Column, delimiter rune) (staged int64, usedColumns []string, err error) {
	defer mon.Task()(&ctx)(&err)

	reader, err := p.openSource(ctx, project, src)
	if err != nil {
		return 0, nil, err
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	cr := csv.NewReader(reader)
	if delimiter != 0 {
		cr.Comma = delimiter
	}
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return 0, nil, faults.InvalidArgument.New("source is empty")
	}
	if err != nil {
		return 0, nil, faults.InvalidArgument.New("reading header: %v", err)
	}

	matched := make([]registry.Column, 0, len(header))
	for _, raw := range header {
		name := strings.TrimSpace(raw)
		if tableengine.IsSystemColumn(name) {
			return 0, nil, faults.InvalidArgument.New("source must not supply system column %q", name)
		}
		idx := -1
		for i, col := range dataColumns {
			if col.Name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, nil, faults.InvalidArgument.New("source column %q not in destination schema", name)
		}
		matched = append(matched, dataColumns[idx])
		usedColumns = append(usedColumns, name)
	}

	db, err := dbutil.OpenSQLite(ctx, stagingPath, dbutil.DefaultOptions())
	if err != nil {
		return 0, nil, faults.IOFailure.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(db.Close())) }()

	defs := make([]string, len(matched))
	marks := make([]string, len(matched))
	for i, col := range matched {
		defs[i] = quoteIdent(col.Name) + " " + col.Type
		marks[i] = "?"
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE rows ("+strings.Join(defs, ", ")+")"); err != nil {
		return 0, nil, Error.Wrap(err)
	}
	insert := "INSERT INTO rows (" + strings.Join(quoteAll(usedColumns), ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, Error.Wrap(err)
	}
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, nil, errs.Combine(Error.Wrap(err), tx.Rollback())
	}

	inBatch := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, nil, errs.Combine(faults.InvalidArgument.New("row %d: %v", staged+1, err), tx.Rollback())
		}
		args := make([]any, len(matched))
		for i := range matched {
			args[i] = cellValue(record[i], matched[i].Type)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, nil, errs.Combine(Error.Wrap(err), tx.Rollback())
		}
		staged++
		inBatch++
		if inBatch >= stageBatchSize {
			if err := tx.Commit(); err != nil {
				return 0, nil, Error.Wrap(err)
			}
			tx, err = db.BeginTx(ctx, nil)
			if err != nil {
				return 0, nil, Error.Wrap(err)
			}
			stmt, err = tx.PrepareContext(ctx, insert)
			if err != nil {
				return 0, nil, errs.Combine(Error.Wrap(err), tx.Rollback())
			}
			inBatch = 0
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, Error.Wrap(err)
	}
	return staged, usedColumns, nil
}

func quoteAll(names []string) []string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = quoteIdent(name)
	}
	return quoted
}

// cellValue maps an empty CSV cell to NULL for non-text columns; text keeps
// the empty string.
func cellValue(raw, columnType string) any {
	if raw == "" && columnType != tableengine.TypeText {
		return nil
	}
	return raw
}

// openSource returns a decompressed reader for the import source.
func (p *Pipeline) openSource(ctx context.Context, project string, src Source) (io.ReadCloser, error) {
	switch {
	case src.FileID != "":
		if p.files == nil {
			return nil, faults.FailedPrecondition.New("file sources are not configured")
		}
		local, err := p.files.LocalPath(ctx, project, src.FileID)
		if err != nil {
			return nil, err
		}
		return openLocal(local)

	case src.URL != "":
		if local, ok := p.translateInternal(src.URL); ok {
			return openLocal(local)
		}
		return p.openRemote(ctx, src.URL)
	}
	return nil, faults.InvalidArgument.New("import source missing")
}

func openLocal(localPath string) (io.ReadCloser, error) {
	f, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.NotFound.New("source %q", localPath)
		}
		return nil, faults.IOFailure.Wrap(err)
	}
	return maybeDecompress(f, localPath)
}

func (p *Pipeline) openRemote(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, faults.InvalidArgument.New("source url: %v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, faults.IOFailure.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, faults.IOFailure.New("source url returned %s", resp.Status)
	}
	return maybeDecompress(resp.Body, rawURL)
}

// translateInternal maps a URL addressing our own S3 surface
// (bucket project_<id>) onto the local files directory. Going through the
// network surface from inside an import would deadlock on ourselves.
func (p *Pipeline) translateInternal(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	var bucket, key string
	switch u.Scheme {
	case "s3":
		bucket = u.Host
		key = strings.TrimPrefix(u.Path, "/")
	case "http", "https":
		trimmed := strings.TrimPrefix(u.Path, "/s3/")
		if trimmed == u.Path {
			return "", false
		}
		bucket, key, _ = strings.Cut(trimmed, "/")
	default:
		return "", false
	}
	project, ok := strings.CutPrefix(bucket, "project_")
	if !ok || project == "" || key == "" {
		return "", false
	}
	return p.paths.FilesDir(project) + "/" + path.Clean(key), true
}

// maybeDecompress wraps the reader with a decompressor when the name carries
// a known codec extension.
func maybeDecompress(rc io.ReadCloser, name string) (io.ReadCloser, error) {
	ext := path.Ext(strings.TrimSuffix(name, "/"))
	switch ext {
	case ".gz", ".zst", ".snappy", ".sz":
		codecName, err := codec.FromExt(ext)
		if err != nil {
			return nil, err
		}
		inner, err := codecName.NewReader(rc)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		return readCloser{Reader: inner, closers: []io.Closer{inner, rc}}, nil
	}
	return rc, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r readCloser) Close() error {
	var group errs.Group
	for _, c := range r.closers {
		group.Add(c.Close())
	}
	return group.Err()
}
