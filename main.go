package main

import (
	"chatok/internal/auth"
	"chatok/internal/commands"
	"chatok/internal/config"
	"chatok/internal/filestore"
	"chatok/internal/http"
	"chatok/internal/push"
	"chatok/internal/registry"
	"chatok/internal/router"
	"chatok/internal/storage"
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	addUserName := flag.String("add-user", "", "Display name of the user to create (prints generated credentials)")
	addUserEmail := flag.String("email", "", "Email for -add-user")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if *addUserName != "" {
		if *addUserEmail == "" {
			return errors.New("-add-user requires -email")
		}
		return commands.AddUser(*addUserName, *addUserEmail, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, bbStorage)
	if err != nil {
		return err
	}

	files, err := filestore.NewDiskStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	pushConfig := push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subject:         cfg.VAPIDSubject,
	}

	var notifier router.Notifier
	if pushConfig.Enabled() {
		notifier = push.NewNotifier(pushConfig, bbStorage)
	} else {
		log.Println("VAPID keys not configured, web push disabled")
	}

	reg := registry.New()
	rt := router.New(reg, bbStorage, notifier)

	apiServer := http.NewAPIServer(authService, reg, rt, files, bbStorage, cfg.APIAddr, cfg.BaseURL)

	g, gCtx := errgroup.WithContext(ctx)

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
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

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

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
