// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package server

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

type workspaceView struct {
	ID             string    `json:"id"`
	BranchID       string    `json:"branch_id"`
	SizeLimitBytes int64     `json:"size_limit_bytes"`
	ExpiresAt      time.Time `json:"expires_at"`
	Status         string    `json:"status"`
}

func renderWorkspace(ws registry.Workspace) workspaceView {
	return workspaceView{
		ID:             ws.ID,
		BranchID:       ws.BranchID,
		SizeLimitBytes: ws.SizeLimitBytes,
		ExpiresAt:      ws.ExpiresAt,
		Status:         ws.Status,
	}
}

func (server *Server) handleWorkspaceCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchID  string `json:"branch_id"`
		TTL       string `json:"ttl"`
		SizeLimit string `json:"size_limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil {
			server.respondError(w, r, faults.InvalidArgument.New("bad ttl %q", req.TTL))
			return
		}
		ttl = parsed
	}
	var sizeLimit int64
	if req.SizeLimit != "" {
		parsed, err := humanize.ParseBytes(req.SizeLimit)
		if err != nil {
			server.respondError(w, r, faults.InvalidArgument.New("bad size_limit %q", req.SizeLimit))
			return
		}
		sizeLimit = int64(parsed)
	}

	created, err := server.core.Workspaces.Create(r.Context(), mux.Vars(r)["project"], req.BranchID, ttl, sizeLimit)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, struct {
		Workspace workspaceView `json:"workspace"`
		Username  string        `json:"username"`
		// Password is shown once; only its hash is stored.
		Password string `json:"password"`
	}{renderWorkspace(created.Workspace), created.Username, created.Password})
}

func (server *Server) handleWorkspaceList(w http.ResponseWriter, r *http.Request) {
	workspaces, err := server.core.Workspaces.List(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	views := make([]workspaceView, 0, len(workspaces))
	for _, ws := range workspaces {
		views = append(views, renderWorkspace(ws))
	}
	respondJSON(w, http.StatusOK, struct {
		Workspaces []workspaceView `json:"workspaces"`
	}{views})
}

func (server *Server) handleWorkspaceGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ws, err := server.core.Workspaces.Get(r.Context(), vars["project"], vars["workspace"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, renderWorkspace(ws))
}

func (server *Server) handleWorkspaceResetCredential(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	password, err := server.core.Workspaces.ResetCredential(r.Context(), vars["project"], vars["workspace"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Password string `json:"password"`
	}{password})
}

func (server *Server) handleWorkspaceDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := server.core.Workspaces.Delete(r.Context(), vars["project"], vars["workspace"]); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{vars["workspace"]})
}
