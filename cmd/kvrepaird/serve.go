package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kvrepair/internal/admin"
	"kvrepair/internal/config"
	"kvrepair/internal/logging"
	"kvrepair/internal/node"
)

var (
	configPath string
	nodeID     string
	listenAddr string
	peersStr   string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a node",
		Long: `Run a node. Every config item can also be set as a flag named after it,
e.g. --enable-tombstone-gc-for-streaming-and-repair 1; flags win over the
config file.`,
		RunE: runServe,
	}

	// flag name -> item name
	itemFlags = map[string]string{}
)

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "kvrepair.yaml", "node config file")
	serveCmd.Flags().StringVar(&nodeID, "node-id", "", "node id, overrides the config file")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "internal RPC address, overrides the config file")
	serveCmd.Flags().StringVar(&peersStr, "peers", "", "comma-separated peers id=addr, overrides the config file")

	for _, def := range config.DefaultItems() {
		name := config.FlagName(def.Name)
		itemFlags[name] = def.Name
		serveCmd.Flags().String(name, "", def.Description)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if nodeID != "" {
		cfg.Node.ID = nodeID
	}
	if listenAddr != "" {
		cfg.Node.ListenAddr = listenAddr
	}
	if peersStr != "" {
		peers, err := config.ParsePeers(peersStr)
		if err != nil {
			return err
		}
		cfg.Node.Peers = peers
	}
	if adminFlag := cmd.Flags().Lookup("admin"); adminFlag != nil && adminFlag.Changed {
		cfg.Node.AdminAddr = adminAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	items := map[string]string{}
	for flagName, item := range itemFlags {
		if f := cmd.Flags().Lookup(flagName); f != nil && f.Changed {
			items[item] = f.Value.String()
		}
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	transport := node.NewGRPCTransport(cfg.Node.Peers)
	defer transport.Close()

	n, err := node.New(node.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Items:      items,
		Transport:  transport,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Node.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Node.ListenAddr, err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- n.Serve(lis) }()

	if err := n.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := admin.NewServer(cfg.Node.AdminAddr, n, admin.WithLogger(logger))
	if err := api.Start(ctx); err != nil {
		n.Stop()
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serveErr:
		logger.Error("Internal RPC server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin shutdown failed", "error", err)
	}
	n.Stop()
	return nil
}
