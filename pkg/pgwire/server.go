// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package pgwire serves workspaces over the PostgreSQL wire protocol.
// Authentication is cleartext password against workspace credentials; each
// connection binds to exactly one workspace database.
package pgwire

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/workspace"
)

var (
	mon = monkit.Package()

	// Error is the default pgwire error class.
	Error = errs.Class("pgwire")
)

// Config holds the front-end's knobs.
type Config struct {
	Address          string        `help:"pg-wire listen address" default:":5432"`
	StatementTimeout time.Duration `help:"per-statement execution timeout" default:"5m"`
	IdleTimeout      time.Duration `help:"session idle timeout" default:"1h"`
	DrainTimeout     time.Duration `help:"how long shutdown waits for in-flight queries" default:"10s"`
}

// Server accepts pg-wire connections.
type Server struct {
	log        *zap.Logger
	workspaces *workspace.Engine
	db         *registry.DB
	config     Config
	tlsConfig  *tls.Config

	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates the server. tlsConfig nil disables TLS upgrades.
func NewServer(log *zap.Logger, workspaces *workspace.Engine, db *registry.DB, config Config, tlsConfig *tls.Config) *Server {
	if config.StatementTimeout <= 0 {
		config.StatementTimeout = 5 * time.Minute
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = time.Hour
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 10 * time.Second
	}
	return &Server{
		log:        log,
		workspaces: workspaces,
		db:         db,
		config:     config,
		tlsConfig:  tlsConfig,
		conns:      map[net.Conn]struct{}{},
	}
}

// Run serves until ctx is done, then stops accepting and drains in-flight
// sessions up to the drain timeout.
func (s *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	s.listener = listener
	s.log.Info("pg-wire listening", zap.String("address", listener.Addr().String()))

	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(listener.Close())
	})
	group.Go(func() error {
		var sessions sync.WaitGroup
		for {
			conn, err := listener.Accept()
			if err != nil {
				drained := make(chan struct{})
				go func() {
					sessions.Wait()
					close(drained)
				}()
				select {
				case <-drained:
				case <-time.After(s.config.DrainTimeout):
					s.closeAll()
				}
				if ctx.Err() != nil {
					return nil
				}
				return Error.Wrap(err)
			}
			s.track(conn, true)
			sessions.Add(1)
			go func() {
				defer sessions.Done()
				defer s.track(conn, false)
				s.serveConn(ctx, conn)
			}()
		}
	})
	return group.Wait()
}

// Addr returns the bound listener address, for tests.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
