// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package server

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

type bucketView struct {
	Stage     string    `json:"stage"`
	Name      string    `json:"name"`
	Display   string    `json:"display"`
	CreatedAt time.Time `json:"created_at"`
}

func renderBucket(b registry.Bucket) bucketView {
	return bucketView{
		Stage:     b.Ref.Stage,
		Name:      b.Ref.Name,
		Display:   b.Ref.Display(),
		CreatedAt: b.CreatedAt,
	}
}

func parseBucketVar(r *http.Request) (registry.BucketRef, error) {
	ref, err := registry.ParseBucket(mux.Vars(r)["bucket"])
	if err != nil {
		return registry.BucketRef{}, faults.InvalidArgument.Wrap(err)
	}
	return ref, nil
}

func (server *Server) handleBucketCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stage string `json:"stage"`
		Name  string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	ref, err := registry.NormalizeBucket(req.Stage, req.Name)
	if err != nil {
		server.respondError(w, r, faults.InvalidArgument.Wrap(err))
		return
	}
	if !layout.ValidName(ref.Name) {
		server.respondError(w, r, faults.InvalidArgument.New("invalid bucket name %q", ref.Name))
		return
	}

	ctx := r.Context()
	projectID := mux.Vars(r)["project"]
	if _, err := server.core.DB.Projects().Get(ctx, projectID); err != nil {
		server.respondError(w, r, err)
		return
	}
	// A linked bucket occupies the name; creating over it would shadow the
	// share.
	if _, err := server.core.DB.Shares().GetLink(ctx, projectID, ref); err == nil {
		server.respondError(w, r, faults.Conflict.New("bucket name %q is taken by a link", ref.Display()))
		return
	}
	bucket := registry.Bucket{ProjectID: projectID, Ref: ref, CreatedAt: time.Now()}
	if err := server.core.DB.Buckets().Create(ctx, bucket); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, renderBucket(bucket))
}

func (server *Server) handleBucketList(w http.ResponseWriter, r *http.Request) {
	buckets, err := server.core.DB.Buckets().List(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	views := make([]bucketView, 0, len(buckets))
	for _, b := range buckets {
		views = append(views, renderBucket(b))
	}
	respondJSON(w, http.StatusOK, struct {
		Buckets []bucketView `json:"buckets"`
	}{views})
}

func (server *Server) handleBucketGet(w http.ResponseWriter, r *http.Request) {
	ref, err := parseBucketVar(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	bucket, err := server.core.DB.Buckets().Get(r.Context(), mux.Vars(r)["project"], ref)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, renderBucket(bucket))
}

func (server *Server) handleBucketDelete(w http.ResponseWriter, r *http.Request) {
	ref, err := parseBucketVar(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	ctx := r.Context()
	projectID := mux.Vars(r)["project"]

	tables, err := server.core.DB.Tables().List(ctx, projectID, ref)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if len(tables) > 0 {
		server.respondError(w, r, faults.FailedPrecondition.New("bucket %q still holds %d tables", ref.Display(), len(tables)))
		return
	}
	if err := server.core.DB.Buckets().Delete(ctx, projectID, ref); err != nil {
		server.respondError(w, r, err)
		return
	}
	dir := server.core.Paths.BucketDir(projectID, layout.DefaultBranch, ref.Stage, ref.Name)
	if err := os.RemoveAll(dir); err != nil {
		server.log.Warn("bucket dir removal failed", zap.String("dir", dir), zap.Error(err))
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{ref.Display()})
}

type shareView struct {
	Bucket        string    `json:"bucket"`
	TargetProject string    `json:"target_project"`
	CreatedAt     time.Time `json:"created_at"`
}

func (server *Server) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetProject string `json:"target_project"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	ref, err := parseBucketVar(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	ctx := r.Context()
	projectID := mux.Vars(r)["project"]
	if _, err := server.core.DB.Buckets().Get(ctx, projectID, ref); err != nil {
		server.respondError(w, r, err)
		return
	}
	if _, err := server.core.DB.Projects().Get(ctx, req.TargetProject); err != nil {
		server.respondError(w, r, err)
		return
	}
	share := registry.Share{
		SrcProject:    projectID,
		Bucket:        ref,
		TargetProject: req.TargetProject,
		CreatedAt:     time.Now(),
	}
	if err := server.core.DB.Shares().CreateShare(ctx, share); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, shareView{
		Bucket:        ref.Display(),
		TargetProject: share.TargetProject,
		CreatedAt:     share.CreatedAt,
	})
}

func (server *Server) handleShareList(w http.ResponseWriter, r *http.Request) {
	shares, err := server.core.DB.Shares().ListSharesBySource(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	views := make([]shareView, 0, len(shares))
	for _, s := range shares {
		views = append(views, shareView{Bucket: s.Bucket.Display(), TargetProject: s.TargetProject, CreatedAt: s.CreatedAt})
	}
	respondJSON(w, http.StatusOK, struct {
		Shares []shareView `json:"shares"`
	}{views})
}

func (server *Server) handleShareDelete(w http.ResponseWriter, r *http.Request) {
	ref, err := parseBucketVar(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	if err := server.core.DB.Shares().DeleteShare(r.Context(), vars["project"], ref, vars["target"]); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{ref.Display()})
}

type linkView struct {
	Bucket     string    `json:"bucket"`
	SrcProject string    `json:"src_project"`
	CreatedAt  time.Time `json:"created_at"`
}

func (server *Server) handleLinkCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SrcProject string `json:"src_project"`
		Bucket     string `json:"bucket"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	ref, err := registry.ParseBucket(req.Bucket)
	if err != nil {
		server.respondError(w, r, faults.InvalidArgument.Wrap(err))
		return
	}

	ctx := r.Context()
	projectID := mux.Vars(r)["project"]

	// Linking requires a share offered to this project.
	if _, err := server.core.DB.Shares().GetShare(ctx, req.SrcProject, ref, projectID); err != nil {
		server.respondError(w, r, err)
		return
	}
	// The local bucket name must be free.
	if _, err := server.core.DB.Buckets().Get(ctx, projectID, ref); err == nil {
		server.respondError(w, r, faults.Conflict.New("bucket %q already exists locally", ref.Display()))
		return
	} else if !faults.NotFound.Has(err) {
		server.respondError(w, r, err)
		return
	}
	link := registry.Link{
		TargetProject: projectID,
		Bucket:        ref,
		SrcProject:    req.SrcProject,
		CreatedAt:     time.Now(),
	}
	if err := server.core.DB.Shares().CreateLink(ctx, link); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, linkView{
		Bucket:     ref.Display(),
		SrcProject: link.SrcProject,
		CreatedAt:  link.CreatedAt,
	})
}

func (server *Server) handleLinkList(w http.ResponseWriter, r *http.Request) {
	links, err := server.core.DB.Shares().ListLinks(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	views := make([]linkView, 0, len(links))
	for _, l := range links {
		views = append(views, linkView{Bucket: l.Bucket.Display(), SrcProject: l.SrcProject, CreatedAt: l.CreatedAt})
	}
	respondJSON(w, http.StatusOK, struct {
		Links []linkView `json:"links"`
	}{views})
}

func (server *Server) handleLinkDelete(w http.ResponseWriter, r *http.Request) {
	ref, err := parseBucketVar(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if err := server.core.DB.Shares().DeleteLink(r.Context(), mux.Vars(r)["project"], ref); err != nil {
		server.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{ref.Display()})
}
