package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/config"
	"github.com/mobilemsg/pushbox/internal/engine"
	httpapi "github.com/mobilemsg/pushbox/internal/http"
	"github.com/mobilemsg/pushbox/internal/provider"
	"github.com/mobilemsg/pushbox/internal/store"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	configPath := flag.String("c", env("PUSHBOX_CONFIG", ""), "comma-separated config files")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(*configPath)
		if err != nil {
			zap.NewExample().Fatal("loading config", zap.Error(err))
		}
	}

	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- Store ----
	var st store.Store
	if cfg.Store.Path != "" {
		st, err = store.OpenSQLite(cfg.Store.Path, log)
		if err != nil {
			log.Error("opening store", zap.Error(err))
			exitCode = 1
			return
		}
	} else {
		log.Warn("no store path configured, messages will not survive restarts")
		st = store.NewMemory()
	}
	defer st.Close()

	// ---- Providers ----
	reg := provider.NewRegistry(log)
	for name, provCfg := range cfg.Providers {
		factory, ok := factories[name]
		if !ok {
			log.Warn("unknown provider in config, skipping", zap.String("provider", name))
			continue
		}
		reg.Register(name, factory, provCfg)
	}
	reg.SetDefault(cfg.Engine.DefaultProvider)

	// ---- Engine ----
	eng, err := engine.New(engine.Options{
		Store:        st,
		Providers:    reg,
		Logger:       log,
		PreferPopup:  cfg.Engine.PreferPopup,
		SendInterval: cfg.Engine.SendInterval,
	})
	if err != nil {
		log.Error("building engine", zap.Error(err))
		exitCode = 1
		return
	}
	if err := eng.Start(rootCtx); err != nil {
		log.Error("starting engine", zap.Error(err))
		exitCode = 1
		return
	}
	defer eng.Close()

	for _, ch := range cfg.Channels {
		if err := eng.AddChannel(rootCtx, ch); err != nil {
			log.Warn("adding startup channel", zap.String("channel", ch), zap.Error(err))
		}
	}

	go expirySweeper(rootCtx, log, eng, cfg.Engine.ExpirySweepEvery)

	// ---- HTTP server ----
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpapi.NewServer(eng).Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 65 * time.Second, // /check waits for provider receive passes
	}
	go func() {
		log.Info("http listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
			cancel()
		}
	}()

	<-rootCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

// factories maps config names to compiled-in transports.
var factories = map[string]provider.Factory{
	"rest":       provider.NewRest,
	"servicebus": provider.NewServiceBus,
	"cloud":      provider.NewCloud,
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func expirySweeper(ctx context.Context, log *zap.Logger, eng *engine.Engine, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := eng.DoExpiryHousekeeping(ctx); err != nil {
				log.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
