package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-plugins/codex-auto-switch/internal/account"
	"github.com/opencode-plugins/codex-auto-switch/internal/api"
	"github.com/opencode-plugins/codex-auto-switch/internal/auth"
	"github.com/opencode-plugins/codex-auto-switch/internal/config"
	"github.com/opencode-plugins/codex-auto-switch/internal/interceptor"
	"github.com/opencode-plugins/codex-auto-switch/internal/logging"
	"github.com/opencode-plugins/codex-auto-switch/internal/watcher"
)

func main() {
	var login bool
	var noBrowser bool
	var serve bool
	var list bool
	var port int
	var logToFile bool

	flag.BoolVar(&login, "login", false, "Link a ChatGPT account via OAuth")
	flag.BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	flag.BoolVar(&serve, "serve", false, "Run the local proxy server")
	flag.BoolVar(&list, "list", false, "Print the account pool status")
	flag.IntVar(&port, "port", 8317, "Local proxy port")
	flag.BoolVar(&logToFile, "log-to-file", false, "Write logs to the rotating gateway log file")
	flag.Parse()

	cfg := config.Load()
	logging.SetupBaseLogger(cfg.Debug)
	if err := logging.ConfigureLogOutput(logToFile, config.LogDir()); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	tokens := auth.NewService()
	store := account.NewStore("")
	manager := account.NewManager(cfg, tokens, store, account.Hooks{})
	defer manager.Flush()

	switch {
	case login:
		runLogin(cfg, tokens, manager, noBrowser)
	case list:
		runList(manager)
	case serve:
		runServe(cfg, manager, store, port)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runLogin(_ *config.Config, tokens *auth.Service, manager *account.Manager, noBrowser bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	creds, err := auth.Login(ctx, tokens, noBrowser)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	index, err := manager.AddAccount(ctx, creds)
	if err != nil {
		log.Fatalf("failed to store account: %v", err)
	}
	accounts := manager.Accounts()
	log.Infof("account #%d linked (%s)", index, accounts[index].Label())
}

func runList(manager *account.Manager) {
	accounts := manager.Accounts()
	if len(accounts) == 0 {
		fmt.Println("no accounts linked; run with -login first")
		return
	}
	active := manager.ActiveIndex()
	fmt.Printf("%-3s %-30s %-8s %-7s %-7s %-9s %s\n", "#", "ACCOUNT", "ENABLED", "HEALTH", "TOKENS", "FAILURES", "PENALTY")
	for _, a := range accounts {
		marker := " "
		if a.Index == active {
			marker = "*"
		}
		penalty := "-"
		if a.RateLimitResetTime > 0 {
			until := time.UnixMilli(a.RateLimitResetTime)
			if remaining := time.Until(until); remaining > 0 {
				penalty = fmt.Sprintf("%s for %s", a.RateLimitReason, remaining.Round(time.Second))
			}
		}
		fmt.Printf("%s%-2d %-30s %-8t %-7.0f %-7.1f %-9d %s\n",
			marker, a.Index, a.Label(), a.Enabled,
			manager.Health().Score(a.Index), manager.Buckets().Tokens(a.Index),
			a.ConsecutiveFailures, penalty)
	}
}

func runServe(cfg *config.Config, manager *account.Manager, store *account.Store, port int) {
	reqLog := logging.NewRequestLogger(filepath.Join(config.LogDir(), "requests"), cfg.RequestLogging)
	gateway := interceptor.New(cfg, manager, reqLog, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := watcher.NewWatcher(store.Path(), manager.Reload)
	if err != nil {
		log.Warnf("storage watcher unavailable: %v", err)
	} else if err = w.Start(ctx); err != nil {
		log.Warnf("storage watcher failed to start: %v", err)
	}

	server := api.NewServer(cfg, gateway, port)
	server.RegisterAccountRoutes(manager)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}()

	if err = server.Start(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
