package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mzyy94/saturnlink/internal/engine"
)

var (
	connectUpload    string
	connectPrint     string
	connectAutoPrint bool
)

var connectCmd = &cobra.Command{
	Use:   "connect [address]",
	Short: "Connect to a printer and follow its status",
	Long: `Invite the printer at address to this process's broker and print its
status until interrupted. Without an address the last connected printer is
used.

Examples:
  # Follow status
  saturnlink connect 192.168.1.20

  # Upload a sliced file and start printing when the transfer completes
  saturnlink connect 192.168.1.20 --upload cube.goo --auto-print

  # Start a file already stored on the printer
  saturnlink connect --print cube.goo`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().StringVar(&connectUpload, "upload", "", "Local file to upload once connected")
	connectCmd.Flags().StringVar(&connectPrint, "print", "", "Printer-side file to start once connected")
	connectCmd.Flags().BoolVar(&connectAutoPrint, "auto-print", false, "Start printing when the upload completes (default from settings)")
}

func runConnect(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	address := rt.settings.Get().LastPrinter
	if len(args) == 1 {
		address = args[0]
	}
	if address == "" {
		return errors.New("no printer address given and none connected before")
	}
	autoPrint := rt.settings.Get().AutoPrint
	if cmd.Flags().Changed("auto-print") {
		autoPrint = connectAutoPrint
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sub := rt.engine.Subscribe()
	defer sub.Close()

	if err := rt.engine.Connect(ctx, address); err != nil {
		return err
	}
	if err := rt.settings.SetLastPrinter(address); err != nil {
		slog.Warn("settings save failed", "err", err)
	}

	pending := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.C:
			printEvent(os.Stdout, ev)
			if _, ok := ev.(engine.ConnectionReady); ok && pending {
				pending = false
				go startJob(ctx, rt.engine, autoPrint)
			}
		}
	}
}

// startJob runs the upload or print requested on the command line.
func startJob(ctx context.Context, e *engine.Engine, autoPrint bool) {
	switch {
	case connectUpload != "":
		if err := e.UploadAndPrint(ctx, connectUpload, autoPrint); err != nil {
			slog.Error("upload failed", "path", connectUpload, "err", err)
		}
	case connectPrint != "":
		if err := e.PrintExisting(connectPrint); err != nil {
			slog.Error("print failed", "file", connectPrint, "err", err)
		}
	}
}
