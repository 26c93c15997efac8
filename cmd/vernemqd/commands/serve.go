package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sthagen/vernemq/pkg/cluster"
	"github.com/sthagen/vernemq/pkg/hooks"
	"github.com/sthagen/vernemq/pkg/msgstore"
	"github.com/sthagen/vernemq/pkg/names"
	"github.com/sthagen/vernemq/pkg/routing"
	"github.com/sthagen/vernemq/pkg/store"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a registry node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(serveConfigPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "vernemqd.yaml", "path to the config file")
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg *Config) error {
	setupLogging(cfg.LogLevel)

	routingEng, err := store.NewBadger(store.BadgerOptions{Dir: filepath.Join(cfg.DataDir, "routing")})
	if err != nil {
		return fmt.Errorf("open routing store: %w", err)
	}
	defer routingEng.Close()

	msgEng, err := store.NewBadger(store.BadgerOptions{Dir: filepath.Join(cfg.DataDir, "messages")})
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer msgEng.Close()

	var cl cluster.Cluster
	var mesh *cluster.WS
	if len(cfg.Peers) == 0 {
		cl = cluster.NewSingle(cfg.Node)
		slog.Info("running standalone", "node", cfg.Node)
	} else {
		peers := make(map[string]string, len(cfg.Peers))
		for _, p := range cfg.Peers {
			peers[p.Name] = p.URL
		}
		mesh = cluster.NewWS(cluster.WSConfig{
			Name:       cfg.Node,
			ListenAddr: cfg.Listen,
			Peers:      peers,
		})
		cl = mesh
	}

	router := routing.New(routingEng, cl, names.NewRegistry(), msgstore.New(msgEng),
		hooks.NewRegistry(), routing.Options{PublishWorkers: cfg.PublishWorkers})
	router.Hooks().Register(routing.HookOnRegister, func(args ...any) (any, error) {
		slog.Info("client registered", "clientID", args[0])
		return nil, nil
	})

	if mesh != nil {
		if err := mesh.Start(); err != nil {
			return fmt.Errorf("start cluster endpoint: %w", err)
		}
		defer mesh.Close()
		slog.Info("cluster endpoint up", "node", cfg.Node, "addr", mesh.Addr(), "peers", len(cfg.Peers))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
