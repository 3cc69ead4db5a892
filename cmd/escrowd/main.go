package main

import (
	"flag"
	"os"
	"path/filepath"

	"escrowd/config"
	"escrowd/core/events"
	"escrowd/native/escrow"
	"escrowd/observability/logging"
	"escrowd/rpc"
	"escrowd/state"
	"escrowd/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the node configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("escrowd", "").Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.NetworkName)

	manager, err := cfg.Manager()
	if err != nil {
		logger.Error("invalid manager address", "err", err)
		os.Exit(1)
	}
	owner, err := cfg.Owner()
	if err != nil {
		logger.Error("invalid owner address", "err", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "registry"))
	if err != nil {
		logger.Error("failed to open registry database", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	st := state.NewManager(db)
	eventLog := events.NewLog()

	engine := escrow.NewEngine()
	engine.SetState(st)
	engine.SetTransferor(st.Ledger())
	engine.SetManager(manager)
	engine.SetEmitter(eventLog)

	gov := escrow.NewGovernor(owner, st, engine)
	gov.SetEmitter(eventLog)

	if _, err := escrow.VerifyInvariants(st); err != nil {
		logger.Error("registry failed invariant audit", "err", err)
		os.Exit(1)
	}

	server := rpc.NewServer(gov, st, eventLog, logger)
	logger.Info("escrowd node ready", "rpc", cfg.RPCAddress, "dataDir", cfg.DataDir)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("rpc server stopped", "err", err)
		os.Exit(1)
	}
}
