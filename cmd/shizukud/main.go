// Command shizukud is the system_shizuku broker daemon: it loads
// configuration, wires the broker, runs the boot lifecycle hook, and
// serves the public and management JSON-RPC surfaces until signaled to
// stop. Structured the way go-opencode's cmd/opencode/commands/serve.go
// structures its headless server command: cobra for the command tree,
// a background listener goroutine, signal-driven graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zerofrip/system-shizuku/internal/broker"
	"github.com/zerofrip/system-shizuku/internal/config"
	"github.com/zerofrip/system-shizuku/internal/consent"
	"github.com/zerofrip/system-shizuku/internal/logging"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "shizukud",
	Short: "system_shizuku broker daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to a config file (optional)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shizukud:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, os.Stderr)

	b, err := broker.New(broker.Deps{
		Config:     cfg,
		Log:        log,
		Fs:         afero.NewOsFs(),
		ConsentUI:  denyAllConsentUI{}, // replaced by the platform's real dialog at integration time
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return fmt.Errorf("wiring broker: %w", err)
	}

	// Boot lifecycle hook: drop session-only grants (no session survives a
	// restart) and expire anything stale, before accepting traffic.
	b.Lifecycle.BootScan(knownUsers())

	publicSrv := &http.Server{Addr: cfg.PublicAddr, Handler: b.Transport.Handler()}
	mgmtSrv := &http.Server{Addr: cfg.ManagementAddr, Handler: b.Transport.Handler()}

	go func() {
		log.Info().Str("addr", cfg.PublicAddr).Msg("public surface listening")
		if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("public listener failed")
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.ManagementAddr).Msg("management surface listening")
		if err := mgmtSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("management listener failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = publicSrv.Shutdown(shutdownCtx)
	_ = mgmtSrv.Shutdown(shutdownCtx)
	return nil
}

// knownUsers is the platform user list the boot scan runs over. The real
// platform supplies this from its user manager; a single-user dev boot
// only ever has user 0.
func knownUsers() []int { return []int{0} }

// denyAllConsentUI is the wiring placeholder until a real consent dialog
// collaborator is registered; it refuses every request so a misconfigured
// boot fails closed rather than silently auto-granting.
type denyAllConsentUI struct{}

func (denyAllConsentUI) Show(ctx context.Context, req consent.Request, cb consent.Callback) error {
	go cb.Denied()
	return nil
}
