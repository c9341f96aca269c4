// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package server

import (
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/pkg/auth"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

type projectView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func renderProject(p registry.Project) projectView {
	return projectView{ID: p.ID, Name: p.Name, Description: p.Description, CreatedAt: p.CreatedAt}
}

func (server *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !layout.ValidName(req.ID) {
		server.respondError(w, r, faults.InvalidArgument.New("invalid project id %q", req.ID))
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	ctx := r.Context()
	project := registry.Project{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}
	if err := server.core.DB.Projects().Create(ctx, project); err != nil {
		server.respondError(w, r, err)
		return
	}

	// Every project starts with one key; losing it means minting another.
	plaintext, err := auth.GenerateProjectKey(project.ID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	err = server.core.DB.APIKeys().Create(ctx, registry.APIKey{
		ProjectID:   project.ID,
		KeyHash:     auth.HashKey(plaintext),
		Description: "initial key",
		CreatedAt:   time.Now(),
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, struct {
		Project projectView `json:"project"`
		APIKey  string      `json:"api_key"`
	}{renderProject(project), plaintext})
}

func (server *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	projects, err := server.core.DB.Projects().List(r.Context())
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, renderProject(p))
	}
	respondJSON(w, http.StatusOK, struct {
		Projects []projectView `json:"projects"`
	}{views})
}

func (server *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	project, err := server.core.DB.Projects().Get(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, renderProject(project))
}

func (server *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := mux.Vars(r)["project"]

	// Collect branch directories before the registry cascade removes the rows.
	branches, err := server.core.DB.Branches().List(ctx, projectID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if err := server.core.DB.Projects().Delete(ctx, projectID); err != nil {
		server.respondError(w, r, err)
		return
	}

	// Filesystem cleanup is best-effort; orphans are tolerated.
	dirs := []string{
		server.core.Paths.BranchDir(projectID, layout.DefaultBranch),
		server.core.Paths.FilesDir(projectID),
	}
	for _, b := range branches {
		dirs = append(dirs, server.core.Paths.BranchDir(projectID, b.ID))
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			server.log.Warn("project dir removal failed",
				zap.String("project", projectID), zap.String("dir", dir), zap.Error(err))
		}
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{projectID})
}

type keyView struct {
	Hash        string    `json:"hash"`
	Description string    `json:"description,omitempty"`
	Scopes      []string  `json:"scopes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (server *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string   `json:"description"`
		Scopes      []string `json:"scopes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}

	ctx := r.Context()
	projectID := mux.Vars(r)["project"]
	if _, err := server.core.DB.Projects().Get(ctx, projectID); err != nil {
		server.respondError(w, r, err)
		return
	}
	plaintext, err := auth.GenerateProjectKey(projectID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	key := registry.APIKey{
		ProjectID:   projectID,
		KeyHash:     auth.HashKey(plaintext),
		Description: req.Description,
		Scopes:      req.Scopes,
		CreatedAt:   time.Now(),
	}
	if err := server.core.DB.APIKeys().Create(ctx, key); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, struct {
		Key    keyView `json:"key"`
		APIKey string  `json:"api_key"`
	}{keyView{Hash: key.KeyHash, Description: key.Description, Scopes: key.Scopes, CreatedAt: key.CreatedAt}, plaintext})
}

func (server *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	keys, err := server.core.DB.APIKeys().ListByProject(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	views := make([]keyView, 0, len(keys))
	for _, key := range keys {
		views = append(views, keyView{
			Hash:        key.KeyHash,
			Description: key.Description,
			Scopes:      key.Scopes,
			CreatedAt:   key.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, struct {
		Keys []keyView `json:"keys"`
	}{views})
}

func (server *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	projectID, hash := vars["project"], vars["hash"]

	// Revocation is by hash; make sure the hash belongs to this project
	// before touching it.
	keys, err := server.core.DB.APIKeys().ListByProject(ctx, projectID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	found := false
	for _, key := range keys {
		if key.KeyHash == hash {
			found = true
			break
		}
	}
	if !found {
		server.respondError(w, r, faults.NotFound.New("api key"))
		return
	}
	if err := server.core.DB.APIKeys().Revoke(ctx, hash); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Revoked string `json:"revoked"`
	}{hash})
}

type branchView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (server *Server) handleBranchCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !layout.ValidName(req.ID) {
		server.respondError(w, r, faults.InvalidArgument.New("invalid branch id %q", req.ID))
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	ctx := r.Context()
	projectID := mux.Vars(r)["project"]
	if _, err := server.core.DB.Projects().Get(ctx, projectID); err != nil {
		server.respondError(w, r, err)
		return
	}
	branch := registry.Branch{ProjectID: projectID, ID: req.ID, Name: req.Name, CreatedAt: time.Now()}
	if err := server.core.DB.Branches().Create(ctx, branch); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, branchView{ID: branch.ID, Name: branch.Name, CreatedAt: branch.CreatedAt})
}

func (server *Server) handleBranchList(w http.ResponseWriter, r *http.Request) {
	branches, err := server.core.DB.Branches().List(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	views := make([]branchView, 0, len(branches))
	for _, b := range branches {
		views = append(views, branchView{ID: b.ID, Name: b.Name, CreatedAt: b.CreatedAt})
	}
	respondJSON(w, http.StatusOK, struct {
		Branches []branchView `json:"branches"`
	}{views})
}

func (server *Server) handleBranchGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b, err := server.core.DB.Branches().Get(r.Context(), vars["project"], vars["branch"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, branchView{ID: b.ID, Name: b.Name, CreatedAt: b.CreatedAt})
}

func (server *Server) handleBranchDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	projectID, branchID := vars["project"], vars["branch"]
	if branchID == layout.DefaultBranch {
		server.respondError(w, r, faults.InvalidArgument.New("the default branch cannot be deleted"))
		return
	}
	if err := server.core.DB.Branches().Delete(ctx, projectID, branchID); err != nil {
		server.respondError(w, r, err)
		return
	}
	if err := os.RemoveAll(server.core.Paths.BranchDir(projectID, branchID)); err != nil {
		server.log.Warn("branch dir removal failed",
			zap.String("project", projectID), zap.String("branch", branchID), zap.Error(err))
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{branchID})
}
