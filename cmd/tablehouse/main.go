// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Tablehouse is the storage backend daemon: REST, S3 surface, RPC bridge and
// the pg-wire workspace front-end in one process.
package main

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tablehouse/tablehouse/pkg/core"
	"github.com/tablehouse/tablehouse/pkg/pgwire"
	"github.com/tablehouse/tablehouse/pkg/process"
	"github.com/tablehouse/tablehouse/pkg/server"
)

// RunConfig is the daemon's full configuration.
type RunConfig struct {
	Log    process.LogConfig
	Core   core.Config
	Server server.Config
	PGWire pgwire.Config

	TLSCert string `help:"path to the tls certificate for pg-wire; empty disables tls" default:""`
	TLSKey  string `help:"path to the tls key for pg-wire" default:""`
}

var (
	runConfig  RunConfig
	configFile string
)

func main() {
	root := &cobra.Command{
		Use:   "tablehouse",
		Short: "multi-tenant table storage backend",
	}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the daemon",
		RunE:  cmdRun,
	}
	root.AddCommand(runCmd)
	runCmd.Flags().StringVar(&configFile, "config", "", "path to a config file")
	process.Bind(runCmd, &runConfig)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cmdRun(cmd *cobra.Command, args []string) error {
	if err := process.Load(cmd, &runConfig, configFile); err != nil {
		return err
	}
	log, err := process.NewLogger(runConfig.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var tlsConfig *tls.Config
	if runConfig.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(runConfig.TLSCert, runConfig.TLSKey)
		if err != nil {
			return process.Error.New("loading tls keypair: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	ctx, cancel := process.Ctx()
	defer cancel()

	coreObj, err := core.New(ctx, log.Named("core"), runConfig.Core)
	if err != nil {
		return err
	}
	defer func() {
		if err := coreObj.Close(); err != nil {
			log.Warn("core close failed", zap.Error(err))
		}
	}()

	httpServer := server.New(log.Named("server"), coreObj, runConfig.Server)
	pgServer := pgwire.NewServer(log.Named("pgwire"), coreObj.Workspaces, coreObj.DB, runConfig.PGWire, tlsConfig)

	log.Info("starting", zap.String("data dir", runConfig.Core.DataDir))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return coreObj.Run(ctx) })
	group.Go(func() error { return httpServer.Run(ctx) })
	group.Go(func() error { return pgServer.Run(ctx) })
	return group.Wait()
}
