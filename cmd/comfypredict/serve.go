package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/richinsley/comfypredict/server"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var allowLocal bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve predictions over HTTP",
		Long: `serve starts the HTTP surface right away and sets up ComfyUI in the
background. /health-check reports STARTING until setup finished, then
READY, BUSY while a prediction runs, or SETUP_FAILED.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), allowLocal)
		},
	}
	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "listen host")
	flags.Int("port", 5000, "listen port")
	flags.BoolVar(&allowLocal, "allow-local-paths", false, "accept server side file paths as the JSON image input")
	_ = a.v.BindPFlag("server.host", flags.Lookup("host"))
	_ = a.v.BindPFlag("server.port", flags.Lookup("port"))
	return cmd
}

func (a *app) serve(parent context.Context, allowLocal bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := a.newPredictor(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			slog.Warn("Closing predictor", "error", err)
		}
	}()

	h := &server.Handler{
		Runner:          p,
		Fs:              afero.NewOsFs(),
		UploadDir:       filepath.Join(os.TempDir(), "comfypredict-uploads"),
		OutputDir:       a.cfg.Dirs.Output,
		DefaultFormat:   a.cfg.Output.Format,
		DefaultQuality:  a.cfg.Output.Quality,
		AllowLocalPaths: allowLocal,
	}
	srv := &http.Server{
		Addr:              a.cfg.ServerAddr(),
		Handler:           server.NewEngine(a.cfg.Server.Mode, h),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "address", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	go func() {
		if err := p.Setup(ctx); err != nil {
			slog.Error("Setup failed", "error", err)
			return
		}
		slog.Info("Ready for predictions")
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
		_ = srv.Close()
	}
	slog.Info("Server stopped")
	return nil
}
