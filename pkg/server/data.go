// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package server

import (
	"net/http"

	"github.com/tablehouse/tablehouse/internal/codec"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/pipeline"
)

func (server *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	var req struct {
		FileID      string `json:"file_id"`
		URL         string `json:"url"`
		Incremental bool   `json:"incremental"`
		Duplicates  string `json:"duplicates"`
		Delimiter   string `json:"delimiter"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	if (req.FileID == "") == (req.URL == "") {
		server.respondError(w, r, faults.InvalidArgument.New("exactly one of file_id and url must be set"))
		return
	}
	opts := pipeline.Options{
		Incremental: req.Incremental,
		Duplicates:  req.Duplicates,
	}
	if req.Delimiter != "" {
		runes := []rune(req.Delimiter)
		if len(runes) != 1 {
			server.respondError(w, r, faults.InvalidArgument.New("delimiter must be a single character"))
			return
		}
		opts.Delimiter = runes[0]
	}

	result, err := server.core.Pipeline.Import(r.Context(), project, branchID, ref,
		pipeline.Source{FileID: req.FileID, URL: req.URL}, opts)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (server *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	var req struct {
		Format      string   `json:"format"`
		Columns     []string `json:"columns"`
		Where       string   `json:"where"`
		Limit       int64    `json:"limit"`
		Compress    bool     `json:"compress"`
		Codec       string   `json:"codec"`
		Destination string   `json:"destination"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	opts := pipeline.ExportOptions{
		Format:   req.Format,
		Columns:  req.Columns,
		Where:    req.Where,
		Limit:    req.Limit,
		Compress: req.Compress,
	}
	if req.Codec != "" {
		name, err := codec.Parse(req.Codec)
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		opts.Codec = name
	}
	if req.Destination == "" {
		server.respondError(w, r, faults.InvalidArgument.New("destination is required"))
		return
	}

	exported, path, err := server.core.Pipeline.ExportToDestination(r.Context(), project, branchID, ref, opts, req.Destination)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		ExportedRows int64  `json:"exported_rows"`
		Path         string `json:"path"`
	}{exported, path})
}
