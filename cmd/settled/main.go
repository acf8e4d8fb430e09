package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/config"
	"settlechain/core"
	"settlechain/explorer"
	"settlechain/gateway"
	"settlechain/gateway/auth"
	"settlechain/observability/logging"
	"settlechain/rpc"
	"settlechain/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("settled", cfg.Environment, logging.Options{
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	node, err := buildNode(cfg, db, logger)
	if err != nil {
		logger.Error("Failed to initialize node", slog.Any("error", err))
		os.Exit(1)
	}

	if path := strings.TrimSpace(cfg.ExplorerDBPath); path != "" {
		indexer, err := explorer.Open(path, logger)
		if err != nil {
			logger.Error("Failed to open explorer index", slog.Any("error", err))
			os.Exit(1)
		}
		defer indexer.Close()
		node.SetEmitter(indexer)
	}

	secret, err := cfg.JWTSecret()
	if err != nil {
		logger.Error("Failed to resolve gateway signing secret", slog.Any("error", err))
		os.Exit(1)
	}
	verifier := auth.NewVerifier(secret)

	rpcServer := rpc.NewServer(node, verifier, logger)

	rpcSrv := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpcServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	gatewaySrv := &http.Server{
		Addr: cfg.GatewayAddress,
		Handler: gateway.NewRouter(gateway.Options{
			RPCHandler:         rpcServer.Handler(),
			Node:               node,
			Log:                logger,
			RateLimitPerSecond: cfg.RateLimitPerSecond,
			RateLimitBurst:     cfg.RateLimitBurst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("RPC server listening", slog.String("addr", cfg.RPCAddress))
		errCh <- rpcSrv.ListenAndServe()
	}()
	go func() {
		logger.Info("Gateway listening", slog.String("addr", cfg.GatewayAddress))
		errCh <- gatewaySrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", slog.Any("error", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = rpcSrv.Shutdown(ctx)
	_ = gatewaySrv.Shutdown(ctx)
}

func buildNode(cfg *config.Config, db storage.Database, logger *slog.Logger) (*core.Node, error) {
	owner, err := parseAddr(cfg.Genesis.Owner)
	if err != nil {
		return nil, fmt.Errorf("Genesis.Owner: %w", err)
	}
	root, err := parseAddr(cfg.Genesis.Root)
	if err != nil {
		return nil, fmt.Errorf("Genesis.Root: %w", err)
	}
	rulebookHash, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(cfg.Genesis.RulebookHashHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("Genesis.RulebookHashHex: %w", err)
	}
	daily, _ := cfg.PoolDailyLimit()
	monthly, _ := cfg.PoolMonthlyLimit()

	node := core.NewNode(db, owner)
	node.SetSolvencyThresholds(cfg.SolvencyActivationBps, cfg.SolvencyRecoveryBps)

	err = node.InitGenesis(core.GenesisConfig{
		Owner:            owner,
		Root:             root,
		RulebookCID:      cfg.Genesis.RulebookCID,
		RulebookHash:     rulebookHash,
		PoolDailyLimit:   daily,
		PoolMonthlyLimit: monthly,
	})
	switch {
	case err == nil:
		logger.Info("Genesis initialized",
			slog.String("root", root.Hex()),
			slog.String("rulebookCid", cfg.Genesis.RulebookCID))
	case err == core.ErrAlreadyInitialized:
		node.LoadGenesisRoot(root)
		logger.Info("Resuming existing ledger", slog.String("root", root.Hex()))
	default:
		return nil, err
	}

	if err := grantRoles(node, core.RoleDistributor, cfg.Roles.Distributors); err != nil {
		return nil, err
	}
	if err := grantRoles(node, core.RoleTreasury, cfg.Roles.Treasurers); err != nil {
		return nil, err
	}
	if err := grantRoles(node, core.RoleUpdater, cfg.Roles.Updaters); err != nil {
		return nil, err
	}
	return node, nil
}

func grantRoles(node *core.Node, role core.Role, addrs []string) error {
	for _, raw := range addrs {
		addr, err := parseAddr(raw)
		if err != nil {
			return fmt.Errorf("Roles.%s: %w", role, err)
		}
		node.Authority().Grant(role, addr)
	}
	return nil
}

func parseAddr(v string) (common.Address, error) {
	v = strings.TrimSpace(v)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid address %q", v)
	}
	return common.HexToAddress(v), nil
}
