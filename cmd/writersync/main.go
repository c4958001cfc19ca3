package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rokfor/writersync/internal/config"
	"github.com/rokfor/writersync/internal/couch"
	"github.com/rokfor/writersync/internal/engine"
	"github.com/rokfor/writersync/internal/httpapi"
	"github.com/rokfor/writersync/internal/mailer"
	"github.com/rokfor/writersync/internal/rokfor"
)

func main() {
	configPath := flag.String("config", os.Getenv("WRITERSYNC_CONFIG"), "path to YAML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Initialize(ctx); err != nil {
		log.Fatalf("initial login failed: %v", err)
	}
	if err := eng.Poll(ctx); err != nil {
		log.Printf("initial poll failed: %v", err)
	}

	if *configPath != "" {
		go watchConfig(ctx, *configPath, eng)
	}

	server := httpapi.NewServer(eng)
	log.Printf("writersync listening on %s", cfg.Listen)
	if err := httpapi.ListenAndServe(ctx, cfg.Listen, server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func buildEngine(cfg config.Config) (*engine.Engine, error) {
	store := engine.NewCouchStore(couch.NewClient(couch.ClientOptions{
		BaseURL:  cfg.Couch.URL,
		Username: cfg.Couch.Username,
		Password: cfg.Couch.Password,
	}))
	remote := rokfor.NewClient(rokfor.ClientOptions{
		Endpoint: cfg.Rokfor.Endpoint,
		Username: cfg.Rokfor.Username,
		RWKey:    cfg.Rokfor.RWKey,
		ReadKey:  cfg.Rokfor.ReadKey,
	})

	lockBackend, err := engine.BuildLockBackendFromDSN(cfg.Sync.LockBackendDSN)
	if err != nil {
		return nil, err
	}

	var mail engine.Mailer
	if cfg.Mail.Addr != "" {
		mail = mailer.New(mailer.Options{
			Addr:     cfg.Mail.Addr,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		})
	}

	eng, err := engine.New(engine.Options{
		Store:           store,
		Remote:          remote,
		Mailer:          mail,
		Logger:          log.Default(),
		LockBackend:     lockBackend,
		RefreshInterval: cfg.Sync.RefreshInterval.Std(),
		Template:        cfg.Rokfor.Template,
		Chapter:         cfg.Rokfor.Chapter,
		Book:            cfg.Rokfor.Book,
		CallbackBaseURL: cfg.Sync.CallbackBaseURL,
		RetainFiles:     cfg.Sync.RetainFiles,
		ExportMode:      cfg.Sync.ExportMode,
	})
	if err != nil {
		return nil, err
	}
	// Write calls authenticate with whatever token the refresh loop holds.
	remote.TokenProvider = eng.Auth().Token
	return eng, nil
}

// watchConfig re-provisions when the config file changes. Only the watch
// surface reacts to a reload; credentials and endpoints need a restart.
func watchConfig(ctx context.Context, path string, eng *engine.Engine) {
	err := config.Watch(ctx, path,
		func(config.Config) {
			log.Printf("config changed, re-polling")
			if err := eng.Poll(ctx); err != nil {
				log.Printf("re-poll after config change failed: %v", err)
			}
		},
		func(err error) {
			log.Printf("config watch: %v", err)
		})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("config watch stopped: %v", err)
	}
}
