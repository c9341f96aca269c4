// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/pkg/registry"
)

type fileView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func renderFile(f registry.File) fileView {
	return fileView{
		ID:        f.ID,
		Name:      f.Name,
		SizeBytes: f.SizeBytes,
		SHA256:    f.SHA256,
		Tags:      f.Tags,
		CreatedAt: f.CreatedAt,
	}
}

func (server *Server) handleFilePrepare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	staged, err := server.core.Files.Prepare(r.Context(), mux.Vars(r)["project"], req.Name)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, struct {
		UploadKey   string    `json:"upload_key"`
		Name        string    `json:"name"`
		StagedUntil time.Time `json:"staged_until"`
	}{staged.UploadKey, staged.Name, staged.StagedUntil})
}

func (server *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	written, checksum, err := server.core.Files.Upload(r.Context(), vars["project"], vars["key"], r.Body)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Written int64  `json:"written"`
		SHA256  string `json:"sha256"`
	}{written, checksum})
}

func (server *Server) handleFileRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SHA256 string   `json:"sha256"`
		Tags   []string `json:"tags"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	file, err := server.core.Files.Register(r.Context(), vars["project"], vars["key"], req.SHA256, req.Tags)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, renderFile(file))
}

func (server *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	files, err := server.core.Files.List(r.Context(), mux.Vars(r)["project"], r.URL.Query().Get("tag"))
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	views := make([]fileView, 0, len(files))
	for _, f := range files {
		views = append(views, renderFile(f))
	}
	respondJSON(w, http.StatusOK, struct {
		Files []fileView `json:"files"`
	}{views})
}

func (server *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	file, err := server.core.Files.Get(r.Context(), vars["project"], vars["file"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, renderFile(file))
}

func (server *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	file, body, err := server.core.Files.Open(r.Context(), vars["project"], vars["file"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(file.SizeBytes, 10))
	w.Header().Set("ETag", `"`+file.SHA256+`"`)
	w.Header().Set("Content-Disposition", `attachment; filename="`+file.Name+`"`)
	if _, err := io.Copy(w, body); err != nil {
		server.log.Debug("file download aborted", zap.String("file", file.ID), zap.Error(err))
	}
}

func (server *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := server.core.Files.Delete(r.Context(), vars["project"], vars["file"]); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{vars["file"]})
}
