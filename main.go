package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secchat/internal/api"
	"secchat/internal/auth"
	"secchat/internal/chat"
	"secchat/internal/commands"
	"secchat/internal/config"
	"secchat/internal/docstore"
	"secchat/internal/docstore/memstore"
	"secchat/internal/docstore/mongostore"
	"secchat/internal/e2ee"
	"secchat/internal/http"
	"secchat/internal/presence"
	"secchat/internal/search"
	"secchat/internal/storage"
	"secchat/internal/syncer"
	"secchat/internal/view"
	"secchat/internal/ws"

	"golang.org/x/sync/errgroup"
)

func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		return mongostore.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.DriverMemory:
		slog.Warn("using the in-memory document store, data is lost on exit")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("secchat", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Email of the account to create (creates user with random password and prints details)")
	name := flags.String("name", "", "Display name for -add-user (defaults to the local part of the email)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(ctx, *addUser, *name, cfg, os.Stdout)
	}

	setupLogger(cfg)

	local, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			slog.Error("failed to close document store", "error", err)
		}
	}()

	authService, err := auth.NewAuthService(ctx, auth.Config{TokenExpiry: cfg.SessionExpiry}, store, local)
	if err != nil {
		return err
	}
	if resp, _, err := authService.Restore(); err == nil {
		slog.Info("restored session", "user_id", resp.UserID)
	} else if !errors.Is(err, auth.ErrInvalidToken) {
		slog.Warn("failed to restore session", "error", err)
	}

	engine := e2ee.New(local, store)
	renderer := view.NewRenderer(engine)
	chats := chat.New(chat.Config{
		Store:  store,
		Crypto: engine,
		Drafts: local,
		Mode:   chat.EncryptionMode(cfg.EncryptionMode),
	})
	searcher := search.New(search.Config{
		Store:      store,
		Renderer:   renderer,
		UserLimit:  cfg.UserSearchLimit,
		ChatWindow: cfg.SearchWindow,
		AllWindow:  cfg.SearchAllWindow,
	})
	tracker := presence.NewTracker(store)
	hub := ws.NewHub(ws.Config{
		Chats:    chats,
		Syncer:   syncer.New(store, renderer),
		Presence: tracker,
		Drafts:   local,
	})

	g, gCtx := errgroup.WithContext(ctx)

	apiHandlers := api.New(api.Config{
		Auth:   authService,
		Store:  store,
		Chats:  chats,
		Search: searcher,
		Keys:   engine,
	})
	adminServer := http.NewAdminServer(authService, hub, cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandlers, ws.NewServer(gCtx, authService, hub), cfg.APIAddr)

	// Presence follows sign-in and sign-out
	g.Go(func() error {
		return tracker.Run(gCtx, authService.Events())
	})

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
