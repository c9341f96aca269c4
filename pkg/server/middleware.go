// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package server

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tablehouse/tablehouse/pkg/auth"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/locks"
)

type contextKey int

const authContextKey contextKey = iota

// authOf returns the authenticated identity stored by requireAuth.
func authOf(r *http.Request) auth.Context {
	authCtx, _ := r.Context().Value(authContextKey).(auth.Context)
	return authCtx
}

// requireAuth authenticates the request and, when the route is
// project-scoped, enforces project access.
func (server *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := server.core.Auth.Authenticate(r.Context(), auth.ExtractKey(r))
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		if project := mux.Vars(r)["project"]; project != "" {
			if err := server.core.Auth.RequireProject(authCtx, project); err != nil {
				server.respondError(w, r, err)
				return
			}
		}
		next(w, r.WithContext(context.WithValue(r.Context(), authContextKey, authCtx)))
	}
}

// requireAdmin authenticates and enforces the admin credential.
func (server *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := server.core.Auth.Authenticate(r.Context(), auth.ExtractKey(r))
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		if err := server.core.Auth.RequireAdmin(authCtx); err != nil {
			server.respondError(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), authContextKey, authCtx)))
	}
}

// responseRecorder captures a handler's response for the idempotency cache.
type responseRecorder struct {
	status int
	body   bytes.Buffer
	header http.Header
}

func newRecorder() *responseRecorder {
	return &responseRecorder{status: http.StatusOK, header: http.Header{}}
}

func (rec *responseRecorder) Header() http.Header         { return rec.header }
func (rec *responseRecorder) WriteHeader(status int)      { rec.status = status }
func (rec *responseRecorder) Write(p []byte) (int, error) { return rec.body.Write(p) }

// idempotent guards a mutating handler with the idempotency gate. Requests
// without an X-Idempotency-Key pass straight through.
func (server *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			server.respondError(w, r, faults.InvalidArgument.New("reading body: %v", err))
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		project := mux.Vars(r)["project"]
		fingerprint := locks.Fingerprint(r.Method, r.URL.Path, project, body)

		response, cached, err := server.core.Gate.Execute(r.Context(), key, fingerprint,
			func(ctx context.Context) (locks.Response, error) {
				rec := newRecorder()
				next(rec, r.WithContext(ctx))
				return locks.Response{StatusCode: rec.status, Body: rec.body.Bytes()}, nil
			})
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if cached {
			w.Header().Set("X-Idempotency-Replayed", "true")
		}
		w.WriteHeader(response.StatusCode)
		_, _ = w.Write(response.Body)
	}
}
