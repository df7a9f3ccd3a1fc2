package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nftmarket/config"
	"nftmarket/core"
	"nftmarket/core/genesis"
	"nftmarket/crypto"
	"nftmarket/observability"
	"nftmarket/observability/logging"
	"nftmarket/storage"
	"nftmarket/storage/journal"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("marketd: %v", err)
	}
}

func run() error {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis spec JSON file (overrides config GenesisFile)")
	scenarioFlag := flag.String("scenario", "", "Path to a scenario TOML file (overrides config ScenarioFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSink := io.Writer(os.Stdout)
	if strings.TrimSpace(cfg.LogFile) != "" {
		logSink = io.MultiWriter(os.Stdout, logging.RotatingFile(cfg.LogFile))
	}
	logger := logging.SetupTo(logSink, "marketd", cfg.LogEnv)

	operatorKey, err := crypto.LoadKeyFile(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load operator key: %w", err)
	}
	logger.Info("operator key loaded", "address", operatorKey.PubKey().Address().String())

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// The trie lives in memory and rebuilds from genesis; a tip left behind by
	// a previous run only tells us what that run last committed. The journal
	// keeps the receipts.
	if height, root, ok, err := core.ReadTip(db); err != nil {
		logger.Warn("failed to read stored tip", slog.Any("error", err))
	} else if ok {
		logger.Info("previous run left a tip; state rebuilds from genesis",
			"height", height,
			"root", root.Hex())
	}

	scenarioPath := firstNonEmpty(*scenarioFlag, cfg.ScenarioFile)
	var scn *scenario
	if scenarioPath != "" {
		if scn, err = loadScenario(scenarioPath); err != nil {
			return fmt.Errorf("load scenario: %w", err)
		}
	}

	var spec *genesis.GenesisSpec
	var actorKeys map[string]*crypto.PrivateKey
	genesisPath := firstNonEmpty(*genesisFlag, cfg.GenesisFile)
	switch {
	case genesisPath != "":
		if spec, err = genesis.LoadGenesisSpec(genesisPath); err != nil {
			return fmt.Errorf("load genesis spec: %w", err)
		}
		if scn != nil {
			if !scn.Params.isZero() {
				logger.Warn("scenario reserve params ignored; genesis file params apply")
			}
			if actorKeys, err = scn.fundGenesis(spec); err != nil {
				return fmt.Errorf("fund scenario actors: %w", err)
			}
		}
	case scn != nil:
		if spec, actorKeys, err = scn.genesisFor(time.Now()); err != nil {
			return fmt.Errorf("fund scenario actors: %w", err)
		}
	default:
		spec = &genesis.GenesisSpec{GenesisTime: time.Now().UTC().Format(time.RFC3339)}
	}

	node, err := core.NewNode(db, spec)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	node.SetLogger(logger.With("component", "node"))

	jn, err := journal.Open(cfg.JournalFile, nil)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", cfg.JournalFile, err)
	}
	defer func() { _ = jn.Close() }()
	node.SetJournal(jn)

	if cfg.Pauses.Token || cfg.Pauses.Market {
		logger.Warn("module pauses active",
			"token", cfg.Pauses.Token,
			"market", cfg.Pauses.Market)
	}
	node.SetPauses(cfg.Pauses)
	node.SetMetrics(observability.Ledger())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         cfg.MetricsAddress,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "address", cfg.MetricsAddress)
		errs <- metricsServer.ListenAndServe()
	}()

	if scn != nil {
		runner := newScenarioRunner(node, logger.With("component", "scenario"), actorKeys)
		if err := runner.run(scn); err != nil {
			return fmt.Errorf("scenario: %w", err)
		}
	}

	logger.Info("market ledger ready",
		"height", node.Height(),
		"root", node.StateRoot().Hex(),
		"journal", cfg.JournalFile)

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			_ = metricsServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}

// openDatabase opens LevelDB under dataDir, or an in-memory store when no
// data directory is configured.
func openDatabase(dataDir string) (storage.Database, error) {
	dir := strings.TrimSpace(dataDir)
	if dir == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(filepath.Join(dir, "ledger"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
