package commands

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sjjf/md-server/internal/api"
	"github.com/sjjf/md-server/internal/dnsmasq"
	"github.com/sjjf/md-server/internal/store"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the metadata server",
	Long: `Start the HTTP metadata server.

On startup the instance database is loaded, the dnsmasq configuration
and host data are regenerated, and the server begins answering metadata
requests on the configured listen address.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	setupLogging()

	st, err := store.Open(cfg.Database.File)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.Database.File, err)
	}

	dn := dnsmasq.New(cfg)
	if err := dn.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write dnsmasq config: %w", err)
	}
	if err := dn.WriteDHCPHosts(st.Entries()); err != nil {
		return fmt.Errorf("failed to write DHCP hosts: %w", err)
	}
	if err := dn.WriteDNSHosts(st.Entries()); err != nil {
		return fmt.Errorf("failed to write DNS hosts: %w", err)
	}

	if _, ok := cfg.PublicKeys["default"]; !ok {
		log.Printf("============Default public key not set !!!=============")
	}

	server := api.New(cfg, st)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		// the database is saved on every mutation, but a final save makes
		// sure nothing is lost if a mutation's save hit a transient error
		if err := st.Save(cfg.Database.File); err != nil {
			return fmt.Errorf("final database save failed: %w", err)
		}

		return nil

	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupLogging points the standard logger at the configured log file in
// addition to stderr.
func setupLogging() {
	log.SetFlags(log.LstdFlags)
	if cfg.Logging.File == "" {
		return
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("Failed to open log file %s: %v", cfg.Logging.File, err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
}
