// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package rpcbridge serves the legacy command envelope: a single Execute
// endpoint dispatching typed commands to core calls.
package rpcbridge

import (
	"context"
	"encoding/json"
	"net/http"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/pkg/auth"
	"github.com/tablehouse/tablehouse/pkg/core"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

var (
	mon = monkit.Package()

	// Error is the default rpc bridge error class.
	Error = errs.Class("rpcbridge")
)

// Request is the command envelope.
type Request struct {
	Credentials struct {
		Host      string `json:"host"`
		Principal string `json:"principal"`
		Secret    string `json:"secret"`
	} `json:"credentials"`
	Command struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	} `json:"command"`
	Features       map[string]bool            `json:"features"`
	RuntimeOptions map[string]json.RawMessage `json:"runtimeOptions"`
}

// Message is one log record returned to the caller.
type Message struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Response is the reply envelope.
type Response struct {
	CommandResponse interface{} `json:"commandResponse,omitempty"`
	Messages        []Message   `json:"messages"`
}

type messageSink struct {
	messages []Message
}

func (sink *messageSink) Info(text string) { sink.messages = append(sink.messages, Message{"info", text}) }
func (sink *messageSink) Warn(text string) { sink.messages = append(sink.messages, Message{"warn", text}) }

type handlerFunc func(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error)

// Bridge dispatches command envelopes.
type Bridge struct {
	log      *zap.Logger
	core     *core.Core
	handlers map[string]handlerFunc
}

// New creates the bridge with its command table.
func New(log *zap.Logger, coreObj *core.Core) *Bridge {
	bridge := &Bridge{
		log:  log,
		core: coreObj,
	}
	bridge.handlers = map[string]handlerFunc{
		"CreateProjectCommand":   cmdCreateProject,
		"DropProjectCommand":     cmdDropProject,
		"CreateBucketCommand":    cmdCreateBucket,
		"DropBucketCommand":      cmdDropBucket,
		"CreateTableCommand":     cmdCreateTable,
		"DropTableCommand":       cmdDropTable,
		"ImportTableCommand":     cmdImportTable,
		"PreviewTableCommand":    cmdPreviewTable,
		"SnapshotTableCommand":   cmdSnapshotTable,
		"RestoreSnapshotCommand": cmdRestoreSnapshot,
		"CreateWorkspaceCommand": cmdCreateWorkspace,
		"DropWorkspaceCommand":   cmdDropWorkspace,
	}
	return bridge
}

// ServeHTTP implements the single Execute endpoint.
func (bridge *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var req Request
	if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
		err = faults.InvalidArgument.New("bad envelope: %v", decodeErr)
		bridge.respondError(w, err)
		return
	}

	handler, ok := bridge.handlers[req.Command.Type]
	if !ok {
		err = faults.InvalidArgument.New("unknown command %q", req.Command.Type)
		bridge.respondError(w, err)
		return
	}

	authCtx, err := bridge.core.Auth.Authenticate(ctx, req.Credentials.Secret)
	if err != nil {
		bridge.respondError(w, err)
		return
	}

	sink := &messageSink{}
	result, err := handler(ctx, bridge, authCtx, req.Credentials.Principal, req.Command.Payload, sink)
	if err != nil {
		bridge.log.Debug("command failed",
			zap.String("command", req.Command.Type), zap.Error(err))
		bridge.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, Response{CommandResponse: result, Messages: sink.messages})
}

func (bridge *Bridge) respondError(w http.ResponseWriter, err error) {
	respond(w, faults.HTTPStatus(err), struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Messages []Message `json:"messages"`
	}{
		Error: struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}{faults.Code(err), err.Error()},
		Messages: []Message{},
	})
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// resolvePath normalises a command path. Accepted forms are [bucket],
// [project, bucket] and [project, branch, bucket]; a missing project comes
// from the credentials principal, a missing branch is the default branch.
func resolvePath(authCtx auth.Context, principal string, path []string) (project, branchID string, bucket registry.BucketRef, err error) {
	switch len(path) {
	case 1:
		project, branchID = principal, layout.DefaultBranch
		bucket, err = registry.ParseBucket(path[0])
	case 2:
		project, branchID = path[0], layout.DefaultBranch
		bucket, err = registry.ParseBucket(path[1])
	case 3:
		project, branchID = path[0], path[1]
		bucket, err = registry.ParseBucket(path[2])
	default:
		return "", "", registry.BucketRef{}, faults.InvalidArgument.New("path must have 1 to 3 segments, got %d", len(path))
	}
	if err != nil {
		return "", "", registry.BucketRef{}, faults.InvalidArgument.Wrap(err)
	}
	if project == "" {
		return "", "", registry.BucketRef{}, faults.InvalidArgument.New("no project in path or credentials")
	}
	if !authCtx.CanAccess(project) {
		return "", "", registry.BucketRef{}, faults.PermissionDenied.New("key is not scoped to project %q", project)
	}
	return project, branchID, bucket, nil
}

func decodePayload(payload json.RawMessage, dst interface{}) error {
	if len(payload) == 0 {
		return faults.InvalidArgument.New("missing payload")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return faults.InvalidArgument.New("bad payload: %v", err)
	}
	return nil
}
