/*
 * DBTunnel
 * Copyright (C) 2026  DBTunnel OSS
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command dbtunnel runs the browser-facing query channel daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/dbtunnel/dbtunnel"
	"github.com/dbtunnel/dbtunnel/lib/config"
	"github.com/dbtunnel/dbtunnel/lib/creds"
	"github.com/dbtunnel/dbtunnel/lib/session"
	"github.com/dbtunnel/dbtunnel/lib/web"
)

func main() {
	app := kingpin.New("dbtunnel", "Database session query tunnel daemon.")
	debug := app.Flag("debug", "Enable debug logging.").Short('d').Bool()

	start := app.Command("start", "Start the daemon.")
	configPath := start.Flag("config", "Path to a YAML configuration file.").Short('c').String()

	version := app.Command("version", "Print the version and exit.")

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		app.Usage(os.Args[1:])
		os.Exit(1)
	}

	switch cmd {
	case start.FullCommand():
		if err := run(*configPath, *debug); err != nil {
			slog.Error("Daemon exited with error", "error", err)
			os.Exit(1)
		}
	case version.FullCommand():
		fmt.Printf("dbtunnel v%v\n", dbtunnel.Version)
	}
}

func run(configPath string, debug bool) error {
	fc := &config.FileConfig{}
	if configPath != "" {
		var err error
		fc, err = config.ReadFromFile(configPath)
		if err != nil {
			return trace.Wrap(err)
		}
	} else if err := fc.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	level := slog.LevelInfo
	if debug || fc.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	registry := session.NewRegistry()
	cache := creds.NewCache()
	handler, err := web.NewHandler(web.Config{
		Sessions: registry,
		// Session read authorization belongs to the credential
		// issuing collaborator. Until one is wired in, everyone who
		// can reach the daemon may read every registered session.
		Access: web.AccessCheckerFunc(func(context.Context, *http.Request, session.Session) error {
			return nil
		}),
		Creds:             cache,
		KeepAliveInterval: fc.KeepAliveInterval,
		HandshakeTimeout:  fc.HandshakeTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{
		Addr:    fc.ListenAddr,
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errC := make(chan error, 1)
	go func() {
		slog.Info("Starting dbtunnel daemon", "listen_addr", fc.ListenAddr, "version", dbtunnel.Version)
		errC <- server.ListenAndServe()
	}()

	select {
	case err := <-errC:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
