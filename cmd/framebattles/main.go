// Command framebattles runs the battle lifecycle client: it reads battles
// from the FrameBattles contract, submits battle actions for the local
// account and serves both to a UI over JSON-RPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/actions"
	"github.com/tolelom/framebattles/config"
	"github.com/tolelom/framebattles/devchain"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/ledger"
	"github.com/tolelom/framebattles/ledger/evm"
	"github.com/tolelom/framebattles/repository"
	"github.com/tolelom/framebattles/rpc"
	"github.com/tolelom/framebattles/storage"
	"github.com/tolelom/framebattles/wallet"
)

func main() {
	cfgPath := flag.String("config", "framebattles.yaml", "path to YAML config file (optional)")
	keyPath := flag.String("key", "", "path to keystore file (overrides config)")
	genKey := flag.Bool("genkey", false, "generate a new account key and exit")
	dev := flag.Bool("dev", false, "run against an in-process development chain")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *keyPath != "" {
		cfg.Keystore = *keyPath
	}
	if *dev {
		cfg.Dev.Enabled = true
	}
	setLogLevel(cfg.LogLevel)

	// Read keystore password from environment (not CLI flags, they leak via ps).
	password := os.Getenv("FB_PASSWORD")
	if password == "" {
		log.Warn("FB_PASSWORD not set: keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		w, err := wallet.Generate(cfg.TargetChainID(), cfg.AllowedChains)
		if err != nil {
			log.Fatal(err)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Keystore), 0700); err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(cfg.Keystore, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Address: %s\n", w.Address().Hex())
		fmt.Printf("Saved to: %s\n", cfg.Keystore)
		return
	}

	// ---- account ----
	w, err := loadWallet(cfg, password)
	if err != nil {
		log.Fatalf("wallet: %v", err)
	}
	if w == nil && cfg.Dev.Enabled {
		// dev mode always has an account; fund it in genesis
		if w, err = wallet.Generate(cfg.TargetChainID(), cfg.AllowedChains); err != nil {
			log.Fatal(err)
		}
		if cfg.Dev.Alloc == nil {
			cfg.Dev.Alloc = make(map[string]string)
		}
		if _, ok := cfg.Dev.Alloc[w.Address().Hex()]; !ok {
			cfg.Dev.Alloc[w.Address().Hex()] = "100"
		}
		log.Warnf("no keystore at %s: using ephemeral dev account %s", cfg.Keystore, w.Address().Hex())
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "client"))
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- ledger ----
	var (
		l       ledger.Ledger
		emitter *events.Emitter
		done    = make(chan struct{})
	)
	if cfg.Dev.Enabled {
		chain, closeChain, err := openDevchain(cfg, w, done)
		if err != nil {
			log.Fatalf("devchain: %v", err)
		}
		defer closeChain()
		l, emitter = chain, chain.Emitter()
	} else {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		client, err := evm.Dial(dialCtx, cfg.Network.RPCURL, cfg.ContractAddress(), cfg.Network.ChainID)
		cancel()
		if err != nil {
			log.Fatalf("dial %s: %v", cfg.Network.RPCURL, err)
		}
		l, emitter = client, events.NewEmitter()
	}
	log.Infof("ledger ready: chain_id=%d contract=%s", l.ChainID(), cfg.ContractAddress().Hex())

	// ---- repository ----
	repo := repository.New(l, repository.Options{TTL: cfg.CacheTTL, Emitter: emitter})
	go repo.RunRefresher(ctx, cfg.RefreshInterval)

	// ---- actions ----
	var (
		acts     *actions.Actions
		provider actions.Provider
	)
	if w != nil {
		provider = w
		tracker := actions.NewTracker(l, repo, emitter, db)
		defer tracker.Close()
		acts = actions.New(l, w, tracker, actions.Options{
			ChainID:     cfg.TargetChainID(),
			GasLimit:    cfg.Gas.Limit,
			MinDuration: cfg.MinBattleDuration,
			Emitter:     emitter,
		})
		if n, err := tracker.Resume(ctx); err != nil {
			log.Warnf("resume pending transactions: %v", err)
		} else if n > 0 {
			log.Infof("resumed %d pending transactions", n)
		}
		log.Infof("account %s loaded", w.Address().Hex())
	} else {
		log.Warnf("no keystore at %s: serving reads only", cfg.Keystore)
	}

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(&cfg.API.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}

	// ---- RPC ----
	handler := rpc.NewHandler(repo, acts, provider, rpc.HandlerOptions{
		ChainID:          cfg.TargetChainID(),
		LeaderboardLimit: cfg.LeaderboardLimit,
	})
	notifier := rpc.NewNotifier(emitter, originChecker(cfg.API.CORSOrigins))
	server := rpc.NewServer(handler, notifier, rpc.ServerOptions{
		Addr:        fmt.Sprintf(":%d", cfg.API.Port),
		AuthToken:   cfg.API.AuthToken,
		CORSOrigins: cfg.API.CORSOrigins,
		TLS:         tlsCfg,
	})
	if err := server.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	if cfg.API.AuthToken != "" {
		log.Info("RPC bearer token authentication enabled")
	}

	// ---- graceful shutdown ----
	<-ctx.Done()
	log.Info("Shutting down...")

	// 1. Stop serving so no new submissions arrive
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Errorf("rpc stop: %v", err)
	}
	// 2. Stop block production; deferred calls close the tracker then the DBs
	close(done)
	log.Info("Shutdown complete.")
}

// loadConfig reads path when it exists and falls back to defaults plus
// environment overrides otherwise.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.FromEnv()
	}
	return cfg, err
}

// loadWallet returns nil without error when no keystore exists.
func loadWallet(cfg *config.Config, password string) (*wallet.Wallet, error) {
	if cfg.Keystore == "" {
		return nil, nil
	}
	priv, err := wallet.LoadKey(cfg.Keystore, password)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wallet.New(priv, cfg.TargetChainID(), cfg.AllowedChains), nil
}

func openDevchain(cfg *config.Config, w *wallet.Wallet, done <-chan struct{}) (*devchain.Chain, func(), error) {
	chainDB, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "devchain"))
	if err != nil {
		return nil, nil, err
	}
	owner := w.Address()
	if cfg.Dev.Owner != "" {
		owner = common.HexToAddress(cfg.Dev.Owner)
	}
	chain, err := devchain.New(chainDB, devchain.Options{
		ChainID:  cfg.Dev.ChainID,
		Contract: cfg.ContractAddress(),
		Owner:    owner,
		Genesis:  &cfg.Dev,
		AutoMine: cfg.Dev.BlockInterval == 0,
	})
	if err != nil {
		chainDB.Close()
		return nil, nil, err
	}
	if cfg.Dev.BlockInterval > 0 {
		go chain.Run(cfg.Dev.BlockInterval, done)
		log.Infof("devchain producing blocks every %s", cfg.Dev.BlockInterval)
	}
	return chain, func() { chainDB.Close() }, nil
}

func originChecker(origins []string) func(string) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(origin string) bool {
		return origin == "" || slices.ContainsFunc(origins, func(o string) bool {
			return strings.EqualFold(o, origin)
		})
	}
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		log.SetLevel(log.DEBUG)
	case "warn":
		log.SetLevel(log.WARN)
	case "error":
		log.SetLevel(log.ERROR)
	case "off":
		log.SetLevel(log.OFF)
	default:
		log.SetLevel(log.INFO)
	}
}
