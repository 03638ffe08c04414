package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/muxtun/muxtun/internal/app"
	"github.com/muxtun/muxtun/internal/config"
)

var version = "dev"

type overrides struct {
	configPath string
	serverAddr string
	socksAddr  string
	listenAddr string
	adminAddr  string
	subflows   int
	dashboard  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "muxtun",
		Short:         "Credit-windowed multiplexed tunnel",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newClientCmd())
	root.AddCommand(newServerCmd())
	return root
}

func newClientCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the client endpoint: SOCKS front end over warm subflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(config.RoleClient, cmd, &o)
		},
	}
	addCommonFlags(cmd, &o)
	cmd.Flags().StringVar(&o.serverAddr, "server-addr", "", "relay server address (overrides config)")
	cmd.Flags().StringVar(&o.socksAddr, "socks-addr", "", "local SOCKS5 listen address (overrides config)")
	cmd.Flags().IntVar(&o.subflows, "subflows", 0, "number of subflows (overrides config)")
	return cmd
}

func newServerCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the server endpoint: accept subflows and dial targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(config.RoleServer, cmd, &o)
		},
	}
	addCommonFlags(cmd, &o)
	cmd.Flags().StringVar(&o.listenAddr, "listen-addr", "", "relay listen address (overrides config)")
	return cmd
}

func addCommonFlags(cmd *cobra.Command, o *overrides) {
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "path to JSON config file")
	cmd.Flags().StringVar(&o.adminAddr, "admin-addr", "", "admin HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&o.dashboard, "dashboard", false, "render the terminal dashboard")
	_ = cmd.MarkFlagRequired("config")
}

func run(role string, cmd *cobra.Command, o *overrides) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if cfg.IsClient() != (role == config.RoleClient) {
		return fmt.Errorf("config role %q does not match %q command", cfg.Role, role)
	}
	applyOverrides(cfg, cmd, o)

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("muxtun %s starting as %s", version, role)
	return application.Run(ctx)
}

func applyOverrides(cfg *config.Config, cmd *cobra.Command, o *overrides) {
	if o.serverAddr != "" {
		cfg.Client.ServerAddr = o.serverAddr
	}
	if o.socksAddr != "" {
		cfg.Client.SocksAddr = o.socksAddr
	}
	if o.listenAddr != "" {
		cfg.Server.ListenAddr = o.listenAddr
	}
	if o.adminAddr != "" {
		cfg.Admin.Addr = o.adminAddr
	}
	if o.subflows > 0 {
		cfg.Tunnel.Subflows = o.subflows
	}
	if cmd.Flags().Changed("dashboard") {
		cfg.Admin.Dashboard = o.dashboard
	}
}
