package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mzyy94/saturnlink/internal/engine"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Broadcast a discovery request and list printers that answer",
	Long: `Broadcast the SDCP discovery trigger and print every reply until the
timeout expires. Replies are stored in the printer registry so a later
connect can address the printer by its identity.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 5*time.Second, "How long to listen for replies")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, discoverTimeout)
	defer cancelTimeout()

	sub := rt.engine.Subscribe()
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- rt.engine.Discover(ctx) }()

	found := 0
	show := func(ev engine.Event) {
		if _, ok := ev.(engine.DeviceFound); ok {
			found++
			printEvent(os.Stdout, ev)
		}
	}
	for {
		select {
		case ev := <-sub.C:
			show(ev)
		case err := <-done:
			for drained := false; !drained; {
				select {
				case ev := <-sub.C:
					show(ev)
				default:
					drained = true
				}
			}
			if err != nil {
				return err
			}
			if found == 0 {
				return errors.New("no printers answered")
			}
			return nil
		}
	}
}
