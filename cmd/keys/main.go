// Command keys manages the local end-to-end encryption key pair of a user.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"secchat/internal/config"
	"secchat/internal/docstore"
	"secchat/internal/docstore/memstore"
	"secchat/internal/docstore/mongostore"
	"secchat/internal/e2ee"
	"secchat/internal/models"
	"secchat/internal/storage"
)

const usage = "Usage: keys -user <id> [-confirm] generate|show|reset"

func openStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	if cfg.StoreDriver == config.DriverMongo {
		return mongostore.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
	}
	return memstore.New(), nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("keys", flag.ContinueOnError)
	userID := flags.String("user", "", "User ID owning the key pair")
	confirm := flags.Bool("confirm", false, "Confirm a reset. Messages sealed with the old pair become unreadable")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *userID == "" || flags.NArg() != 1 {
		return errors.New(usage)
	}

	cfg, err := config.Load(false)
	if err != nil {
		return err
	}
	local, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	return execute(ctx, e2ee.New(local, store), store, flags.Arg(0), *userID, *confirm, out)
}

func execute(ctx context.Context, engine *e2ee.Engine, store docstore.Store, command, userID string, confirm bool, out io.Writer) error {
	switch command {
	case "generate":
		pub, err := engine.GenerateKeyPair(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Public key: %s\n", pub)
	case "reset":
		pub, err := engine.ResetKeys(ctx, userID, confirm)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "New public key: %s\n", pub)
	case "show":
		user, err := docstore.GetAs[models.User](ctx, store, docstore.Users, userID)
		if err != nil {
			return fmt.Errorf("failed to load user %s: %w", userID, err)
		}
		pub := user.PublicKey
		if pub == "" {
			pub = "(none)"
		}
		fmt.Fprintf(out, "Public key:  %s\n", pub)
		fmt.Fprintf(out, "Private key: %s\n", presence(engine.HasKey(userID)))
	default:
		return errors.New(usage)
	}
	return nil
}

func presence(ok bool) string {
	if ok {
		return "stored on this device"
	}
	return "missing on this device"
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
