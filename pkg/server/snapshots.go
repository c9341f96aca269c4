// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

type snapshotView struct {
	ID        string    `json:"id"`
	Bucket    string    `json:"bucket"`
	Table     string    `json:"table"`
	Kind      string    `json:"kind"`
	Trigger   string    `json:"trigger,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	RowCount  int64     `json:"row_count"`
	SizeBytes int64     `json:"size_bytes"`
}

func renderSnapshot(s registry.Snapshot) snapshotView {
	return snapshotView{
		ID:        s.ID,
		Bucket:    s.Table.Bucket.Display(),
		Table:     s.Table.Name,
		Kind:      s.Kind,
		Trigger:   s.Trigger,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		RowCount:  s.RowCount,
		SizeBytes: s.SizeBytes,
	}
}

func (server *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	// Snapshots capture main-line state only.
	if branchID != "" && branchID != layout.DefaultBranch {
		server.respondError(w, r, faults.InvalidArgument.New("snapshots are taken on the default branch"))
		return
	}
	snapshot, err := server.core.Snapshots.Create(r.Context(), project, ref)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, renderSnapshot(snapshot))
}

func (server *Server) handleSnapshotListForTable(w http.ResponseWriter, r *http.Request) {
	project, _, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	snapshots, err := server.core.DB.Snapshots().List(r.Context(), project, &ref)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondSnapshots(w, snapshots)
}

func (server *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	snapshots, err := server.core.DB.Snapshots().List(r.Context(), mux.Vars(r)["project"], nil)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondSnapshots(w, snapshots)
}

func (server *Server) respondSnapshots(w http.ResponseWriter, snapshots []registry.Snapshot) {
	views := make([]snapshotView, 0, len(snapshots))
	for _, s := range snapshots {
		views = append(views, renderSnapshot(s))
	}
	respondJSON(w, http.StatusOK, struct {
		Snapshots []snapshotView `json:"snapshots"`
	}{views})
}

func (server *Server) handleSnapshotGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snapshot, err := server.core.DB.Snapshots().Get(r.Context(), vars["snapshot"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if snapshot.ProjectID != vars["project"] {
		server.respondError(w, r, faults.NotFound.New("snapshot %q", vars["snapshot"]))
		return
	}
	respondJSON(w, http.StatusOK, renderSnapshot(snapshot))
}

func (server *Server) handleSnapshotRestore(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := server.core.Snapshots.Restore(r.Context(), vars["project"], vars["snapshot"]); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Restored string `json:"restored"`
	}{vars["snapshot"]})
}

func (server *Server) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := server.core.Snapshots.Delete(r.Context(), vars["project"], vars["snapshot"]); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{vars["snapshot"]})
}

// settingScope computes the scope key for a snapshot-settings request. The
// bucket and table narrow the scope; system scope is admin-only.
func settingScope(r *http.Request, scope, bucket, table string) (scopeKey string, err error) {
	project := mux.Vars(r)["project"]
	switch scope {
	case registry.ScopeSystem:
		if !authOf(r).IsAdmin {
			return "", faults.PermissionDenied.New("system scope requires the admin credential")
		}
		return "", nil
	case registry.ScopeProject:
		return project, nil
	case registry.ScopeBucket, registry.ScopeTable:
		ref, err := registry.ParseBucket(bucket)
		if err != nil {
			return "", faults.InvalidArgument.Wrap(err)
		}
		if scope == registry.ScopeBucket {
			return project + "/" + ref.DirName(), nil
		}
		if table == "" {
			return "", faults.InvalidArgument.New("table scope needs a table")
		}
		return project + "/" + ref.DirName() + "/" + table, nil
	default:
		return "", faults.InvalidArgument.New("unknown scope %q", scope)
	}
}

func (server *Server) handleSettingsList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	scope := query.Get("scope")
	if scope == "" {
		scope = registry.ScopeProject
	}
	scopeKey, err := settingScope(r, scope, query.Get("bucket"), query.Get("table"))
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	settings, err := server.core.DB.Settings().ListScope(r.Context(), scope, scopeKey)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	type settingView struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	views := make([]settingView, 0, len(settings))
	for _, s := range settings {
		views = append(views, settingView{Key: s.Key, Value: s.Value})
	}
	respondJSON(w, http.StatusOK, struct {
		Scope    string        `json:"scope"`
		ScopeKey string        `json:"scope_key,omitempty"`
		Settings []settingView `json:"settings"`
	}{scope, scopeKey, views})
}

type settingRequest struct {
	Scope  string `json:"scope"`
	Bucket string `json:"bucket"`
	Table  string `json:"table"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

func (server *Server) handleSettingsSet(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	scopeKey, err := settingScope(r, req.Scope, req.Bucket, req.Table)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	err = server.core.DB.Settings().Set(r.Context(), registry.Setting{
		Scope:    req.Scope,
		ScopeKey: scopeKey,
		Key:      req.Key,
		Value:    req.Value,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Set string `json:"set"`
	}{req.Key})
}

func (server *Server) handleSettingsUnset(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	scopeKey, err := settingScope(r, req.Scope, req.Bucket, req.Table)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if err := server.core.DB.Settings().Unset(r.Context(), req.Scope, scopeKey, req.Key); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Unset string `json:"unset"`
	}{req.Key})
}
