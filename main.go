package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/petervdpas/delta/internal/app"
	"github.com/petervdpas/delta/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configName = "delta.json"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "delta",
		Short: "Delta - local overlay for nearby peers",
		Long: `Delta - announce yourself to nearby peers, share alerts and place calls.

Commands:
  delta peer <directory>   Run a peer from a directory holding delta.json
  delta version            Show version information`,
		SilenceUsage: true,
	}
	root.AddCommand(newPeerCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Delta v%s\n", appVersion)
		},
	}
}

func newPeerCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "peer <directory>",
		Short: "Run a peer from the specified directory",
		Long: `Run a peer from the specified directory.

The directory holds delta.json (created with defaults on first run), the
identity key and the settings file. Any config key can be overridden from the
environment as DELTA_<SECTION>_<KEY>, e.g. DELTA_LOG_LEVEL=debug. NAME sets
the announced display name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd, v, args[0])
		},
	}
	cmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().String("http", "", "UI bridge listen address (empty keeps the config value)")
	_ = v.BindPFlag("log.level", cmd.Flags().Lookup("log-level"))
	_ = v.BindPFlag("viewer.http_addr", cmd.Flags().Lookup("http"))
	return cmd
}

func runPeer(cmd *cobra.Command, v *viper.Viper, dirArg string) error {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		return fmt.Errorf("invalid peer directory: %w", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		return fmt.Errorf("peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, configName)
	cfg, created, err := config.Ensure(v, cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	printPeerBanner(cmd, absDir, cfgPath, cfg, created)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		fmt.Fprintln(cmd.ErrOrStderr(), "\nShutting down gracefully...")
	}()

	return app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	})
}

func printPeerBanner(cmd *cobra.Command, peerDir, cfgPath string, cfg config.Config, created bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Delta Peer Runner")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Peer Directory: %s\n", peerDir)
	fmt.Fprintf(out, "Config File:    %s", cfgPath)
	if created {
		fmt.Fprint(out, " (created)")
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Name:           %s\n", cfg.Profile.Name)
	if cfg.Viewer.HTTPAddr != "" {
		addr := cfg.Viewer.HTTPAddr
		if addr[0] == ':' {
			addr = "127.0.0.1" + addr
		}
		fmt.Fprintf(out, "UI Bridge:      ws://%s/ws\n", addr)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Starting peer... (Press Ctrl+C to stop)")
	fmt.Fprintln(out)
}
