// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package rpcbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tablehouse/tablehouse/pkg/auth"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/pipeline"
	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/tableengine"
)

// resolveProject picks the project a project-scoped command acts on: the
// explicit payload field when present, the credentials principal otherwise.
func resolveProject(authCtx auth.Context, principal, explicit string) (string, error) {
	project := explicit
	if project == "" {
		project = principal
	}
	if project == "" {
		return "", faults.InvalidArgument.New("no project in payload or credentials")
	}
	if !authCtx.CanAccess(project) {
		return "", faults.PermissionDenied.New("key is not scoped to project %q", project)
	}
	return project, nil
}

func cmdCreateProject(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	if err := bridge.core.Auth.RequireAdmin(authCtx); err != nil {
		return nil, err
	}
	var req struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !layout.ValidName(req.ID) {
		return nil, faults.InvalidArgument.New("invalid project id %q", req.ID)
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	project := registry.Project{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}
	if err := bridge.core.DB.Projects().Create(ctx, project); err != nil {
		return nil, err
	}
	plaintext, err := auth.GenerateProjectKey(project.ID)
	if err != nil {
		return nil, err
	}
	err = bridge.core.DB.APIKeys().Create(ctx, registry.APIKey{
		ProjectID:   project.ID,
		KeyHash:     auth.HashKey(plaintext),
		Description: "initial key",
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("project %s created", project.ID))
	return struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		APIKey string `json:"apiKey"`
	}{project.ID, project.Name, plaintext}, nil
}

func cmdDropProject(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	if err := bridge.core.Auth.RequireAdmin(authCtx); err != nil {
		return nil, err
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	if err := bridge.core.DB.Projects().Delete(ctx, req.ID); err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("project %s dropped", req.ID))
	return struct {
		ID string `json:"id"`
	}{req.ID}, nil
}

func cmdCreateBucket(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	var req struct {
		Path []string `json:"path"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	project, _, bucket, err := resolvePath(authCtx, principal, req.Path)
	if err != nil {
		return nil, err
	}
	if _, err := bridge.core.DB.Projects().Get(ctx, project); err != nil {
		return nil, err
	}
	err = bridge.core.DB.Buckets().Create(ctx, registry.Bucket{
		ProjectID: project,
		Ref:       bucket,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("bucket %s created", bucket.Display()))
	return struct {
		Bucket string `json:"bucket"`
	}{bucket.Display()}, nil
}

func cmdDropBucket(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	var req struct {
		Path []string `json:"path"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	project, _, bucket, err := resolvePath(authCtx, principal, req.Path)
	if err != nil {
		return nil, err
	}
	tables, err := bridge.core.DB.Tables().List(ctx, project, bucket)
	if err != nil {
		return nil, err
	}
	if len(tables) > 0 {
		return nil, faults.FailedPrecondition.New("bucket %q still holds %d tables", bucket.Display(), len(tables))
	}
	if err := bridge.core.DB.Buckets().Delete(ctx, project, bucket); err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("bucket %s dropped", bucket.Display()))
	return struct {
		Bucket string `json:"bucket"`
	}{bucket.Display()}, nil
}

func cmdCreateTable(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	var req struct {
		Path       []string          `json:"path"`
		Name       string            `json:"name"`
		Columns    []registry.Column `json:"columns"`
		PrimaryKey []string          `json:"primaryKey"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	project, branchID, bucket, err := resolvePath(authCtx, principal, req.Path)
	if err != nil {
		return nil, err
	}
	ref := registry.TableRef{Bucket: bucket, Name: req.Name}
	if err := bridge.core.Tables.CreateTable(ctx, project, branchID, ref, req.Columns, req.PrimaryKey); err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("table %s.%s created", bucket.Display(), ref.Name))
	return struct {
		Table string `json:"table"`
	}{ref.Name}, nil
}

func cmdDropTable(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	var req struct {
		Path []string `json:"path"`
		Name string   `json:"name"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	project, branchID, bucket, err := resolvePath(authCtx, principal, req.Path)
	if err != nil {
		return nil, err
	}
	ref := registry.TableRef{Bucket: bucket, Name: req.Name}
	if err := bridge.core.Tables.DropTable(ctx, project, branchID, ref); err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("table %s.%s dropped", bucket.Display(), ref.Name))
	return struct {
		Table string `json:"table"`
	}{ref.Name}, nil
}

func cmdImportTable(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	var req struct {
		Path        []string `json:"path"`
		Name        string   `json:"name"`
		FileID      string   `json:"fileId"`
		URL         string   `json:"url"`
		Incremental bool     `json:"incremental"`
		Duplicates  string   `json:"duplicates"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	project, branchID, bucket, err := resolvePath(authCtx, principal, req.Path)
	if err != nil {
		return nil, err
	}
	ref := registry.TableRef{Bucket: bucket, Name: req.Name}
	result, err := bridge.core.Pipeline.Import(ctx, project, branchID, ref,
		pipeline.Source{FileID: req.FileID, URL: req.URL},
		pipeline.Options{Incremental: req.Incremental, Duplicates: req.Duplicates})
	if err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("imported %d rows into %s.%s", result.ImportedRows, bucket.Display(), ref.Name))
	return result, nil
}

func cmdPreviewTable(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	var req struct {
		Path    []string `json:"path"`
		Name    string   `json:"name"`
		Limit   int      `json:"limit"`
		Offset  int      `json:"offset"`
		Columns []string `json:"columns"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	project, branchID, bucket, err := resolvePath(authCtx, principal, req.Path)
	if err != nil {
		return nil, err
	}
	ref := registry.TableRef{Bucket: bucket, Name: req.Name}
	preview, err := bridge.core.Tables.Preview(ctx, project, branchID, ref, tableengine.PreviewOptions{
		Columns: req.Columns,
		Limit:   req.Limit,
		Offset:  req.Offset,
	})
	if err != nil {
		return nil, err
	}
	return preview, nil
}

func cmdSnapshotTable(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	var req struct {
		Path []string `json:"path"`
		Name string   `json:"name"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	project, branchID, bucket, err := resolvePath(authCtx, principal, req.Path)
	if err != nil {
		return nil, err
	}
	if branchID != layout.DefaultBranch {
		return nil, faults.InvalidArgument.New("snapshots are taken on the default branch")
	}
	ref := registry.TableRef{Bucket: bucket, Name: req.Name}
	snapshot, err := bridge.core.Snapshots.Create(ctx, project, ref)
	if err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("snapshot %s taken", snapshot.ID))
	return struct {
		ID        string    `json:"id"`
		ExpiresAt time.Time `json:"expiresAt"`
	}{snapshot.ID, snapshot.ExpiresAt}, nil
}

func cmdRestoreSnapshot(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	var req struct {
		Project    string `json:"project"`
		SnapshotID string `json:"snapshotId"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	project, err := resolveProject(authCtx, principal, req.Project)
	if err != nil {
		return nil, err
	}
	if err := bridge.core.Snapshots.Restore(ctx, project, req.SnapshotID); err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("snapshot %s restored", req.SnapshotID))
	return struct {
		ID string `json:"id"`
	}{req.SnapshotID}, nil
}

func cmdCreateWorkspace(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	var req struct {
		Project        string `json:"project"`
		Branch         string `json:"branch"`
		TTLSeconds     int64  `json:"ttlSeconds"`
		SizeLimitBytes int64  `json:"sizeLimitBytes"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	project, err := resolveProject(authCtx, principal, req.Project)
	if err != nil {
		return nil, err
	}
	created, err := bridge.core.Workspaces.Create(ctx, project, req.Branch,
		time.Duration(req.TTLSeconds)*time.Second, req.SizeLimitBytes)
	if err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("workspace %s created", created.Workspace.ID))
	return struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Password string `json:"password"`
	}{created.Workspace.ID, created.Username, created.Password}, nil
}

func cmdDropWorkspace(ctx context.Context, bridge *Bridge, authCtx auth.Context, principal string, payload json.RawMessage, sink *messageSink) (interface{}, error) {
	var req struct {
		Project string `json:"project"`
		ID      string `json:"id"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	project, err := resolveProject(authCtx, principal, req.Project)
	if err != nil {
		return nil, err
	}
	if err := bridge.core.Workspaces.Delete(ctx, project, req.ID); err != nil {
		return nil, err
	}
	sink.Info(fmt.Sprintf("workspace %s dropped", req.ID))
	return struct {
		ID string `json:"id"`
	}{req.ID}, nil
}
