package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/myuser/uranus/internal/config"
	"github.com/myuser/uranus/internal/logutil"
	"github.com/myuser/uranus/internal/protocol"
	"github.com/myuser/uranus/internal/server"
	"github.com/myuser/uranus/internal/txn"
)

var version = "dev"

var (
	configPath string
	addr       string
	adminAddr  string
	dataDir    string
	isolation  string
	logLevel   string
	logFile    string
	walNoSync  bool
	printConf  bool
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "uranus-server",
		Short:         "Transactional MVCC key-value server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Recover the data directory and serve clients",
		RunE:  runServe,
	}
	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		f := c.Flags()
		f.StringVarP(&configPath, "config", "c", "", "TOML config file")
		f.StringVar(&addr, "addr", "", "client listen address")
		f.StringVar(&adminAddr, "admin-addr", "", "admin HTTP listen address, \"-\" disables it")
		f.StringVar(&dataDir, "data-dir", "", "directory for the WAL and checkpoints")
		f.StringVar(&isolation, "isolation", "", "snapshot or serializable")
		f.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
		f.StringVar(&logFile, "log-file", "", "write logs to a rotated file instead of stderr")
		f.BoolVar(&walNoSync, "wal-no-sync", false, "skip fsync on commit (unsafe)")
		f.BoolVar(&printConf, "print-config", false, "print the effective config and exit")
	}

	rootCmd.AddCommand(
		serveCmd,
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println("uranus-server", version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies the flags the user
// actually set on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Addr = addr
	}
	if f.Changed("admin-addr") {
		cfg.Server.AdminAddr = adminAddr
		if adminAddr == "-" {
			cfg.Server.AdminAddr = ""
		}
	}
	if f.Changed("data-dir") {
		cfg.Storage.DataDir = dataDir
	}
	if f.Changed("isolation") {
		cfg.Txn.Isolation = isolation
	}
	if f.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if f.Changed("log-file") {
		cfg.Log.File = logFile
	}
	if f.Changed("wal-no-sync") {
		cfg.Storage.WALNoSync = walNoSync
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if printConf {
		fmt.Print(cfg.String())
		return nil
	}

	logger, err := logutil.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	iso, _ := cfg.Isolation()
	mgr, err := txn.Open(txn.Config{
		DataDir:            cfg.Storage.DataDir,
		Isolation:          iso,
		MaxKeySize:         cfg.Storage.MaxKeySize,
		MaxValueSize:       cfg.Storage.MaxValueSize,
		ScanLimit:          cfg.Txn.ScanLimit,
		MaxWriteBytes:      cfg.Txn.MaxWriteBytes,
		WALSegmentSize:     cfg.Storage.WALSegmentSize,
		WALNoSync:          cfg.Storage.WALNoSync,
		CompactInterval:    cfg.Storage.CompactInterval,
		CheckpointInterval: cfg.Storage.CheckpointInterval,
	}, logger)
	if err != nil {
		logger.Error("recovery failed", zap.Error(err))
		return err
	}

	srv := server.New(server.Options{
		Addr:           cfg.Server.Addr,
		AdminAddr:      cfg.Server.AdminAddr,
		IdleTxnTimeout: cfg.Server.IdleTxnTimeout,
		ReapInterval:   cfg.Server.ReapInterval,
		Limits: protocol.Limits{
			MaxBinaryLen: cfg.Protocol.MaxBinaryLen,
			MaxArrayLen:  cfg.Protocol.MaxArrayLen,
			MaxLineLen:   cfg.Protocol.MaxLineLen,
		},
	}, mgr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer signal.Stop(sc)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case sig := <-sc:
		logger.Info("got signal to exit", zap.Stringer("signal", sig))
	case err = <-serveErr:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("shutdown did not finish cleanly", zap.Error(serr))
	}
	cancel()

	if err != nil && !errors.Is(err, server.ErrServerClosed) {
		// Leave the WAL as the manager last synced it; recovery replays it.
		logger.Error("server stopped", zap.Error(err))
		mgr.Close()
		return err
	}

	if cerr := mgr.Checkpoint(); cerr != nil {
		logger.Warn("final checkpoint failed", zap.Error(cerr))
	}
	return mgr.Close()
}
