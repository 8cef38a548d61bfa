package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/meigma/nexus/lookup"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, e *env, args []string) error {
	flags, verbose := e.flagSet("serve")
	configPath := flags.StringP("config", "c", "nexus.yaml", "server configuration file")
	listen := flags.String("listen", "", "override the configured listen address")
	noMmap := flags.Bool("no-mmap", false, "read containers with file I/O instead of mmap")
	if _, err := e.parse(flags, verbose, args, 0, 0); err != nil {
		return err
	}

	cfg, err := lookup.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	cat, err := lookup.LoadCatalog(ctx, cfg, lookup.WithLogger(e.logger), lookup.WithMmap(!*noMmap))
	if err != nil {
		return err
	}
	defer cat.Close() //nolint:errcheck // read-only

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler: lookup.Handler(cat,
			lookup.WithCacheMaxAge(cfg.CacheMaxAge),
			lookup.WithHandlerLogger(e.logger),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	e.logger.Info("serving patch data", "addr", ln.Addr().String(), "build", cat.Build(), "hashes", cat.Len())
	return serve(ctx, srv, ln)
}

// serve runs srv on ln until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
