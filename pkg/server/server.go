// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package server exposes the storage core over HTTP: the REST API, the
// S3-compatible surface, the RPC bridge, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tablehouse/tablehouse/pkg/core"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/rpcbridge"
	"github.com/tablehouse/tablehouse/pkg/s3gw"
)

var (
	mon = monkit.Package()

	// Error is the default server error class.
	Error = errs.Class("server")
)

// Config holds the HTTP server's knobs.
type Config struct {
	Address   string `help:"http listen address" default:":8080"`
	S3BaseURL string `help:"externally visible base url of the s3 surface, used in pre-signed urls" default:"http://localhost:8080/s3"`
}

// Server is the HTTP front.
type Server struct {
	log    *zap.Logger
	core   *core.Core
	config Config

	listener net.Listener
	server   http.Server
}

// New creates the server and its route table.
func New(log *zap.Logger, coreObj *core.Core, config Config) *Server {
	server := &Server{
		log:    log,
		core:   coreObj,
		config: config,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	gateway := s3gw.New(log.Named("s3"), coreObj.Auth, coreObj.Paths, config.S3BaseURL)
	router.PathPrefix("/s3/").Handler(http.StripPrefix("/s3", gateway))

	bridge := rpcbridge.New(log.Named("rpc"), coreObj)
	router.Handle("/rpc/execute", bridge).Methods(http.MethodPost)

	server.addRoutes(router.PathPrefix("/api/v1").Subrouter())
	server.server.Handler = router
	return server
}

// Run serves until ctx is done, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	server.listener = listener
	server.log.Info("http listening", zap.String("address", listener.Addr().String()))

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return Error.Wrap(server.server.Shutdown(shutdownCtx))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(listener)
		if errs.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Addr returns the bound listener address, for tests.
func (server *Server) Addr() net.Addr {
	if server.listener == nil {
		return nil
	}
	return server.listener.Addr()
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondJSON writes a JSON body with the given status.
func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the REST error document.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// respondError maps a fault to its HTTP status and error code.
func (server *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := faults.HTTPStatus(err)
	var body errorBody
	body.Error.Code = faults.Code(err)
	body.Error.Message = err.Error()

	if status >= http.StatusInternalServerError {
		server.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		server.log.Debug("request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	respondJSON(w, status, body)
}

// decodeJSON reads the request body into dst.
func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return faults.InvalidArgument.New("bad request body: %v", err)
	}
	return nil
}
