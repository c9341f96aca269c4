// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/tableengine"
)

type tableView struct {
	Bucket     string            `json:"bucket"`
	Name       string            `json:"name"`
	Columns    []registry.Column `json:"columns"`
	PrimaryKey []string          `json:"primary_key,omitempty"`
	RowCount   int64             `json:"row_count"`
	SizeBytes  int64             `json:"size_bytes"`
	CreatedAt  *time.Time        `json:"created_at,omitempty"`
}

func (server *Server) handleTableCreate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	project, branchID := vars["project"], vars["branch"]
	bucket, err := registry.ParseBucket(vars["bucket"])
	if err != nil {
		server.respondError(w, r, faults.InvalidArgument.Wrap(err))
		return
	}

	var req struct {
		Name       string            `json:"name"`
		Columns    []registry.Column `json:"columns"`
		PrimaryKey []string          `json:"primary_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}

	ctx := r.Context()
	if _, err := server.core.DB.Buckets().Get(ctx, project, bucket); err != nil {
		server.respondError(w, r, err)
		return
	}
	ref := registry.TableRef{Bucket: bucket, Name: req.Name}
	if err := server.core.Tables.CreateTable(ctx, project, branchID, ref, req.Columns, req.PrimaryKey); err != nil {
		server.respondError(w, r, err)
		return
	}
	columns, primaryKey, err := server.core.Tables.Schema(ctx, project, branchID, ref)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, tableView{
		Bucket:     bucket.Display(),
		Name:       ref.Name,
		Columns:    columns,
		PrimaryKey: primaryKey,
	})
}

func (server *Server) handleTableList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, err := registry.ParseBucket(vars["bucket"])
	if err != nil {
		server.respondError(w, r, faults.InvalidArgument.Wrap(err))
		return
	}
	ctx := r.Context()
	project, branchID := vars["project"], vars["branch"]

	tables, err := server.core.DB.Tables().List(ctx, project, bucket)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	views := make([]tableView, 0, len(tables))
	for _, t := range tables {
		created := t.CreatedAt
		views = append(views, tableView{
			Bucket:     t.Ref.Bucket.Display(),
			Name:       t.Ref.Name,
			Columns:    t.Columns,
			PrimaryKey: t.PrimaryKey,
			RowCount:   t.RowCount,
			SizeBytes:  t.SizeBytes,
			CreatedAt:  &created,
		})
	}

	// Branch-only tables exist solely as branch table rows.
	if branchID != "" && branchID != layout.DefaultBranch {
		branchTables, err := server.core.DB.Branches().ListTables(ctx, project, branchID)
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		for _, bt := range branchTables {
			if bt.Source != registry.SourceBranchOnly || bt.Table.Bucket != bucket {
				continue
			}
			columns, primaryKey, err := server.core.Tables.Schema(ctx, project, branchID, bt.Table)
			if err != nil {
				continue
			}
			views = append(views, tableView{
				Bucket:     bt.Table.Bucket.Display(),
				Name:       bt.Table.Name,
				Columns:    columns,
				PrimaryKey: primaryKey,
			})
		}
	}

	respondJSON(w, http.StatusOK, struct {
		Tables []tableView `json:"tables"`
	}{views})
}

func (server *Server) handleTableGet(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	ctx := r.Context()

	if branchID == "" || branchID == layout.DefaultBranch {
		table, err := server.core.DB.Tables().Get(ctx, project, ref)
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		created := table.CreatedAt
		respondJSON(w, http.StatusOK, tableView{
			Bucket:     ref.Bucket.Display(),
			Name:       ref.Name,
			Columns:    table.Columns,
			PrimaryKey: table.PrimaryKey,
			RowCount:   table.RowCount,
			SizeBytes:  table.SizeBytes,
			CreatedAt:  &created,
		})
		return
	}

	// On a branch the registry row may be stale or absent; read the live file.
	columns, primaryKey, err := server.core.Tables.Schema(ctx, project, branchID, ref)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	rowCount, sizeBytes, err := server.core.Tables.Stats(ctx, project, branchID, ref)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tableView{
		Bucket:     ref.Bucket.Display(),
		Name:       ref.Name,
		Columns:    columns,
		PrimaryKey: primaryKey,
		RowCount:   rowCount,
		SizeBytes:  sizeBytes,
	})
}

func (server *Server) handleTableDrop(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if err := server.core.Tables.DropTable(r.Context(), project, branchID, ref); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{ref.Name})
}

func (server *Server) handleColumnAdd(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	var req registry.Column
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	if err := server.core.Tables.AddColumn(r.Context(), project, branchID, ref, req); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, struct {
		Added string `json:"added"`
	}{req.Name})
}

func (server *Server) handleColumnAlter(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	var req struct {
		NewName string `json:"new_name"`
		NewType string `json:"new_type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	column := mux.Vars(r)["column"]
	if err := server.core.Tables.AlterColumn(r.Context(), project, branchID, ref, column, req.NewName, req.NewType); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Altered string `json:"altered"`
	}{column})
}

func (server *Server) handleColumnDrop(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	column := mux.Vars(r)["column"]
	if err := server.core.Tables.DropColumn(r.Context(), project, branchID, ref, column); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{column})
}

func (server *Server) handlePrimaryKeyAdd(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	var req struct {
		Columns []string `json:"columns"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	if err := server.core.Tables.AddPrimaryKey(r.Context(), project, branchID, ref, req.Columns); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, struct {
		PrimaryKey []string `json:"primary_key"`
	}{req.Columns})
}

func (server *Server) handlePrimaryKeyDrop(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if err := server.core.Tables.DropPrimaryKey(r.Context(), project, branchID, ref); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{"primary_key"})
}

func (server *Server) handleRowsLoad(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	var req struct {
		Columns []string        `json:"columns"`
		Rows    [][]interface{} `json:"rows"`
		Upsert  bool            `json:"upsert"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	loaded, err := server.core.Tables.LoadRows(r.Context(), project, branchID, ref, req.Columns, req.Rows, req.Upsert)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Loaded int64 `json:"loaded"`
	}{loaded})
}

func (server *Server) handleRowsDelete(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	var req struct {
		Where string `json:"where"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	deleted, err := server.core.Tables.DeleteRows(r.Context(), project, branchID, ref, req.Where)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted int64 `json:"deleted"`
	}{deleted})
}

func (server *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	opts := tableengine.PreviewOptions{}
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			server.respondError(w, r, faults.InvalidArgument.New("bad limit %q", raw))
			return
		}
		opts.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			server.respondError(w, r, faults.InvalidArgument.New("bad offset %q", raw))
			return
		}
		opts.Offset = offset
	}
	if raw := query.Get("columns"); raw != "" {
		opts.Columns = strings.Split(raw, ",")
	}

	preview, err := server.core.Tables.Preview(r.Context(), project, branchID, ref, opts)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	names := make([]string, len(preview.Columns))
	for i, col := range preview.Columns {
		names[i] = col.Name
	}
	respondJSON(w, http.StatusOK, struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	}{names, preview.Rows})
}

func (server *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	project, branchID, ref, err := tableScope(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = tableengine.ProfileBasic
	}
	profile, err := server.core.Tables.Profile(r.Context(), project, branchID, ref, mode)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}
