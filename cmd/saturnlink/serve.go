package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"

	"github.com/mzyy94/saturnlink/internal/httplog"
	"github.com/mzyy94/saturnlink/internal/webui"
)

var serveConnect string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API and event stream",
	Long: `Serve the JSON control API and the /api/events WebSocket stream, and
advertise them over mDNS as _saturnlink._tcp.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConnect, "connect", "", "Printer address to connect at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var devices webui.DeviceLister
	if rt.registry != nil {
		devices = rt.registry
	}
	listenPort := cfg.GetInt("listen")
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", listenPort),
		Handler:           httplog.Middleware("api", webui.NewHandler(rt.engine, devices, rt.settings)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	name := cfg.GetString("mdns-name")
	mdnsServer, err := zeroconf.Register(name, "_saturnlink._tcp", "local.", listenPort,
		[]string{"txtvers=1", "path=/api", "events=/api/events"}, nil)
	if err != nil {
		return fmt.Errorf("mDNS registration: %w", err)
	}
	defer mdnsServer.Shutdown()
	slog.Info("mDNS registered", "name", name, "service", "_saturnlink._tcp")

	go func() {
		slog.Info("control API starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "err", err)
			cancel()
		}
	}()

	if serveConnect != "" {
		if err := rt.engine.Connect(ctx, serveConnect); err != nil {
			slog.Error("initial connect failed", "addr", serveConnect, "err", err)
		} else if err := rt.settings.SetLastPrinter(serveConnect); err != nil {
			slog.Warn("settings save failed", "err", err)
		}
	}

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "err", err)
	}
	slog.Info("shutdown complete")
	return nil
}
