// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package pgwire

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/internal/dbutil"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

// textOID is the pg type oid for text; every column is served as text.
const textOID = 25

type session struct {
	server  *Server
	conn    net.Conn
	backend *pgproto3.Backend

	workspace registry.Workspace
	sessionID string
	db        *sql.DB

	rewrites      []schemaRewrite
	attachNotices []string

	// unnamed extended-protocol state
	parsedQuery string
	boundArgs   []any
	skipToSync  bool
}

// schemaRewrite resolves a bucket-qualified reference like in_c_main.orders
// onto the table's attach alias. Tables attach one file per alias, so the
// bucket name is not itself a schema the engine knows.
type schemaRewrite struct {
	re          *regexp.Regexp
	replacement string
}

func newSchemaRewrite(ref registry.TableRef, alias string) schemaRewrite {
	dir := ref.Bucket.DirName()
	re := regexp.MustCompile(`(?i)(^|[^\w".])` + regexp.QuoteMeta(dir) + `\s*\.\s*` + regexp.QuoteMeta(ref.Name) + `\b`)
	return schemaRewrite{
		re:          re,
		replacement: `${1}` + quoteIdent(alias) + `.` + quoteIdent(ref.Name),
	}
}

// resolveSchemas rewrites bucket.table references in the query text.
func (sess *session) resolveSchemas(query string) string {
	for _, rw := range sess.rewrites {
		query = rw.re.ReplaceAllString(query, rw.replacement)
	}
	return query
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := &session{
		server:  s,
		conn:    conn,
		backend: pgproto3.NewBackend(conn, conn),
	}
	if err := sess.run(ctx); err != nil {
		s.log.Debug("pg-wire session ended", zap.Error(err))
	}
	_ = conn.Close()
}

func (sess *session) run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := sess.startup(ctx); err != nil {
		return err
	}
	defer func() {
		if sess.db != nil {
			err = errs.Combine(err, sess.db.Close())
		}
		if sess.sessionID != "" {
			err = errs.Combine(err, sess.server.db.Sessions().Delete(context.WithoutCancel(ctx), sess.sessionID))
		}
	}()

	sess.send(
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: "14.0"},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.ParameterStatus{Name: "DateStyle", Value: "ISO"},
		&pgproto3.BackendKeyData{ProcessID: 1, SecretKey: 1},
	)
	for _, notice := range sess.attachNotices {
		sess.send(&pgproto3.NoticeResponse{Severity: "WARNING", Code: "01000", Message: notice})
	}
	sess.send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := sess.backend.Flush(); err != nil {
		return Error.Wrap(err)
	}

	for {
		if err := sess.conn.SetReadDeadline(time.Now().Add(sess.server.config.IdleTimeout)); err != nil {
			return Error.Wrap(err)
		}
		msg, err := sess.backend.Receive()
		if err != nil {
			return Error.Wrap(err)
		}
		_ = sess.server.db.Sessions().Touch(ctx, sess.sessionID, time.Now())

		switch m := msg.(type) {
		case *pgproto3.Query:
			sess.skipToSync = false
			sess.handleSimple(ctx, m.String)
			sess.send(&pgproto3.ReadyForQuery{TxStatus: 'I'})

		case *pgproto3.Parse:
			if sess.skipToSync {
				continue
			}
			sess.parsedQuery = m.Query
			sess.boundArgs = nil
			sess.send(&pgproto3.ParseComplete{})

		case *pgproto3.Bind:
			if sess.skipToSync {
				continue
			}
			sess.boundArgs = make([]any, len(m.Parameters))
			for i, p := range m.Parameters {
				if p == nil {
					sess.boundArgs[i] = nil
				} else {
					sess.boundArgs[i] = string(p)
				}
			}
			sess.send(&pgproto3.BindComplete{})

		case *pgproto3.Describe:
			if sess.skipToSync {
				continue
			}
			// row shape is sent at execute time
			sess.send(&pgproto3.NoData{})

		case *pgproto3.Execute:
			if sess.skipToSync {
				continue
			}
			if err := sess.execute(ctx, sess.parsedQuery, sess.boundArgs, true); err != nil {
				sess.sendError(err)
				sess.skipToSync = true
			}

		case *pgproto3.Sync:
			sess.skipToSync = false
			sess.send(&pgproto3.ReadyForQuery{TxStatus: 'I'})

		case *pgproto3.Terminate:
			return nil
		}

		if err := sess.backend.Flush(); err != nil {
			return Error.Wrap(err)
		}
	}
}

// startup performs the handshake through authentication and attaches the
// workspace's tables.
func (sess *session) startup(ctx context.Context) error {
	var startup *pgproto3.StartupMessage
	for startup == nil {
		msg, err := sess.backend.ReceiveStartupMessage()
		if err != nil {
			return Error.Wrap(err)
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if sess.server.tlsConfig == nil {
				if _, err := sess.conn.Write([]byte{'N'}); err != nil {
					return Error.Wrap(err)
				}
				continue
			}
			if _, err := sess.conn.Write([]byte{'S'}); err != nil {
				return Error.Wrap(err)
			}
			tlsConn := tls.Server(sess.conn, sess.server.tlsConfig)
			sess.conn = tlsConn
			sess.backend = pgproto3.NewBackend(tlsConn, tlsConn)

		case *pgproto3.CancelRequest:
			return Error.New("cancel request on fresh connection")

		case *pgproto3.StartupMessage:
			startup = m

		default:
			return Error.New("unexpected startup message %T", msg)
		}
	}

	username := startup.Parameters["user"]
	database := startup.Parameters["database"]

	sess.send(&pgproto3.AuthenticationCleartextPassword{})
	if err := sess.backend.Flush(); err != nil {
		return Error.Wrap(err)
	}
	msg, err := sess.backend.Receive()
	if err != nil {
		return Error.Wrap(err)
	}
	password, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return Error.New("expected password, got %T", msg)
	}

	ws, err := sess.server.workspaces.Login(ctx, username, password.Password)
	if err != nil {
		sess.sendError(err)
		_ = sess.backend.Flush()
		return err
	}
	if database != "" && database != "workspace_"+ws.ID && database != username {
		err := faults.Unauthenticated.New("database %q does not belong to this workspace", database)
		sess.sendError(err)
		_ = sess.backend.Flush()
		return err
	}
	sess.workspace = ws

	db, err := dbutil.OpenSQLite(ctx, ws.DBPath, dbutil.DefaultOptions())
	if err != nil {
		sess.sendError(faults.IOFailure.Wrap(err))
		_ = sess.backend.Flush()
		return err
	}
	// a single conn keeps every ATTACH visible to all statements
	db.SetMaxOpenConns(1)
	sess.db = db

	attachments, err := sess.server.workspaces.Attachments(ctx, ws)
	if err != nil {
		sess.sendError(err)
		_ = sess.backend.Flush()
		return errs.Combine(err, db.Close())
	}
	for _, attachment := range attachments {
		_, err := db.ExecContext(ctx,
			"ATTACH DATABASE ? AS "+quoteIdent(attachment.Alias),
			"file:"+attachment.Path+"?mode=ro")
		if err != nil {
			sess.server.log.Warn("attach failed",
				zap.String("workspace", ws.ID),
				zap.String("alias", attachment.Alias),
				zap.Error(err))
			sess.attachNotices = append(sess.attachNotices, fmt.Sprintf(
				"table %s.%s could not be attached and is unavailable",
				attachment.Table.Bucket.DirName(), attachment.Table.Name))
			continue
		}
		sess.rewrites = append(sess.rewrites, newSchemaRewrite(attachment.Table, attachment.Alias))
	}

	sess.sessionID = uuid.NewString()
	now := time.Now().UTC()
	err = sess.server.db.Sessions().Create(ctx, registry.Session{
		ID:             sess.sessionID,
		WorkspaceID:    ws.ID,
		ClientAddr:     sess.conn.RemoteAddr().String(),
		ConnectedAt:    now,
		LastActivityAt: now,
	})
	if err != nil {
		return errs.Combine(err, db.Close())
	}
	sess.server.log.Info("pg-wire session started",
		zap.String("workspace", ws.ID),
		zap.String("client", sess.conn.RemoteAddr().String()))
	return nil
}

func (sess *session) handleSimple(ctx context.Context, query string) {
	if strings.TrimSpace(query) == "" {
		sess.send(&pgproto3.EmptyQueryResponse{})
		return
	}
	if err := sess.execute(ctx, query, nil, false); err != nil {
		sess.sendError(err)
	}
}

// execute runs one statement with the statement timeout and streams the
// result. Every column is rendered as text.
func (sess *session) execute(ctx context.Context, query string, args []any, extended bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	query = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if query == "" {
		sess.send(&pgproto3.EmptyQueryResponse{})
		return nil
	}
	query = sess.resolveSchemas(query)

	ctx, cancel := context.WithTimeout(ctx, sess.server.config.StatementTimeout)
	defer cancel()

	if !returnsRows(query) {
		res, err := sess.db.ExecContext(ctx, query, args...)
		if err != nil {
			return wrapExecErr(ctx, err)
		}
		affected, _ := res.RowsAffected()
		sess.send(&pgproto3.CommandComplete{CommandTag: []byte(commandTag(query, affected))})
		return nil
	}

	rows, err := sess.db.QueryContext(ctx, query, args...)
	if err != nil {
		return wrapExecErr(ctx, err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	columns, err := rows.Columns()
	if err != nil {
		return Error.Wrap(err)
	}
	fields := make([]pgproto3.FieldDescription, len(columns))
	for i, name := range columns {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  textOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}
	sess.send(&pgproto3.RowDescription{Fields: fields})

	var count int64
	values := make([]any, len(columns))
	scans := make([]any, len(columns))
	for i := range values {
		scans[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scans...); err != nil {
			return Error.Wrap(err)
		}
		row := make([][]byte, len(columns))
		for i, v := range values {
			row[i] = renderValue(v)
		}
		sess.send(&pgproto3.DataRow{Values: row})
		count++
	}
	if err := rows.Err(); err != nil {
		return wrapExecErr(ctx, err)
	}
	sess.send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT " + strconv.FormatInt(count, 10))})
	return nil
}

func wrapExecErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return faults.Timeout.New("statement timeout")
	}
	if strings.Contains(err.Error(), "readonly") || strings.Contains(err.Error(), "read-only") {
		return faults.PermissionDenied.New("attached project tables are read-only")
	}
	if strings.Contains(err.Error(), "no such table") {
		return faults.NotFound.Wrap(err)
	}
	if strings.Contains(err.Error(), "syntax error") {
		return faults.InvalidArgument.Wrap(err)
	}
	return Error.Wrap(err)
}

// returnsRows decides between the exec and query paths by leading keyword.
func returnsRows(query string) bool {
	head := strings.ToUpper(query)
	for _, prefix := range []string{"SELECT", "WITH", "VALUES", "PRAGMA", "EXPLAIN", "SHOW"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

func commandTag(query string, affected int64) string {
	verb := strings.ToUpper(strings.Fields(query)[0])
	switch verb {
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", affected)
	case "UPDATE", "DELETE":
		return fmt.Sprintf("%s %d", verb, affected)
	}
	return verb
}

func renderValue(v any) []byte {
	switch value := v.(type) {
	case nil:
		return nil
	case []byte:
		return value
	case string:
		return []byte(value)
	case bool:
		if value {
			return []byte("t")
		}
		return []byte("f")
	case time.Time:
		return []byte(value.UTC().Format("2006-01-02 15:04:05.999999-07"))
	default:
		return []byte(fmt.Sprint(value))
	}
}

func (sess *session) send(msgs ...pgproto3.BackendMessage) {
	for _, msg := range msgs {
		sess.backend.Send(msg)
	}
}

func (sess *session) sendError(err error) {
	sess.send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     faults.PGCode(err),
		Message:  err.Error(),
	})
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
