package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/cache"
	"github.com/pelorusid/gatehouse/internal/auth/ceremony"
	"github.com/pelorusid/gatehouse/internal/auth/domain"
	httpapi "github.com/pelorusid/gatehouse/internal/auth/http"
	"github.com/pelorusid/gatehouse/internal/auth/service"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/internal/auth/store/drivers/sqlite"
	"github.com/pelorusid/gatehouse/pkg/cryptox"
	"github.com/pelorusid/gatehouse/pkg/jwtx"
	"github.com/pelorusid/gatehouse/pkg/mailx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"

	cacheSweepInterval = 1 * time.Minute
)

// Application encapsulates the identity service with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db         store.Store
	cache      cache.Cache
	signer     *jwtx.Signer
	mailer     mailx.Mailer
	ceremonies *ceremony.Engine

	// Services
	signInService       *service.SignInService
	userService         *service.UserService
	mfaService          *service.MFAService
	credentialService   *service.CredentialService
	attemptService      *service.AttemptService
	emailCodeService    *service.EmailCodeService
	attemptRecorder     *service.AttemptRecorder
	housekeepingService *service.HousekeepingService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "gatehouse",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	cryptox.SetPepperPath(cfg.PepperFile)

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	if err := app.initCache(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	if err := app.initSigner(); err != nil {
		_ = app.cache.Close()
		_ = app.db.Close()
		return nil, err
	}

	if err := app.initCeremonies(); err != nil {
		_ = app.cache.Close()
		_ = app.db.Close()
		return nil, err
	}

	app.initMailer()
	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.attemptRecorder.Start()
	app.housekeepingService.Start()

	app.logger.Info("gatehouse starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down gatehouse...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	// Workers drain before the stores they write to go away.
	app.housekeepingService.Stop()
	app.attemptRecorder.Stop()

	if err := app.cache.Close(); err != nil {
		app.logger.Error("error closing cache", "error", err)
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("gatehouse stopped")
	return nil
}

// initDatabase initializes the database and applies migrations.
func (app *Application) initDatabase() error {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initCache picks redis when configured, otherwise the in-process cache.
// Single-instance deployments work fine on the in-process cache; running
// more than one instance requires redis so ceremony state and rate-limit
// windows are shared.
func (app *Application) initCache() error {
	if app.cfg.RedisAddr == "" {
		app.cache = cache.NewMemory(cacheSweepInterval)
		app.logger.Info("using in-process cache")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := cache.NewRedis(ctx, app.cfg.RedisAddr, app.cfg.RedisPassword, app.cfg.RedisDB, "gatehouse")
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	app.cache = c
	app.logger.Info("using redis cache", "addr", app.cfg.RedisAddr)
	return nil
}

// initSigner loads the Ed25519 signing key, or generates an ephemeral one
// when no key file is configured. Ephemeral keys invalidate all issued
// tokens on restart.
func (app *Application) initSigner() error {
	if app.cfg.SigningKeyFile == "" {
		signer, err := jwtx.NewSigner(app.cfg.SigningKeyID, app.cfg.Issuer)
		if err != nil {
			return fmt.Errorf("failed to generate signing key: %w", err)
		}
		app.signer = signer
		app.logger.Warn("no signing key file configured, using an ephemeral key")
		return nil
	}

	pemKey, err := os.ReadFile(app.cfg.SigningKeyFile)
	if err != nil {
		return fmt.Errorf("failed to read signing key file: %w", err)
	}
	signer, err := jwtx.NewSignerFromPEM(app.cfg.SigningKeyID, app.cfg.Issuer, pemKey)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	app.signer = signer
	return nil
}

// initCeremonies builds the WebAuthn engine.
func (app *Application) initCeremonies() error {
	engine, err := ceremony.NewEngine(
		ceremony.Config{
			RPID:          app.cfg.RPID,
			RPDisplayName: app.cfg.RPDisplayName,
			RPOrigins:     app.cfg.RPOrigins,
		},
		cache.NewCeremonyStore(app.cache, cache.DefaultCeremonyTTL),
		app.db.Users(),
		app.db.Credentials(),
		app.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize webauthn engine: %w", err)
	}
	app.ceremonies = engine
	return nil
}

// initMailer picks SMTP when configured, otherwise logs mail.
func (app *Application) initMailer() {
	if app.cfg.SMTPHost == "" {
		app.mailer = mailx.NewLogMailer(app.logger)
		app.logger.Warn("no SMTP host configured, mail will only be logged")
		return
	}

	app.mailer = mailx.NewSMTPMailer(mailx.Config{
		Host:     app.cfg.SMTPHost,
		Port:     app.cfg.SMTPPort,
		Username: app.cfg.SMTPUsername,
		Password: app.cfg.SMTPPassword,
		From:     app.cfg.SMTPFrom,
	}, app.logger)
}

// initServices initializes all business logic services.
func (app *Application) initServices() {
	limiter := cache.NewRateLimiter(app.cache, 1*time.Minute, nil)

	app.emailCodeService = &service.EmailCodeService{
		Cache:   app.cache,
		Limiter: limiter,
		Mailer:  app.mailer,
	}

	app.attemptRecorder = service.NewAttemptRecorder(app.db, app.logger, 0)

	app.signInService = &service.SignInService{
		Store:      app.db,
		Signer:     app.signer,
		Ceremonies: app.ceremonies,
		Recorder:   app.attemptRecorder,
		Verifiers: map[string]service.CodeVerifier{
			domain.MethodAuthenticator: service.TOTPVerifier{},
			domain.MethodEmail:         app.emailCodeService,
		},
		LockoutDuration: app.cfg.LockoutDuration,
	}

	app.userService = &service.UserService{
		Store:   app.db,
		Cache:   app.cache,
		Limiter: limiter,
		Mailer:  app.mailer,
	}
	app.mfaService = &service.MFAService{
		Store:  app.db,
		Issuer: app.cfg.Issuer,
	}
	app.credentialService = &service.CredentialService{Store: app.db}
	app.attemptService = &service.AttemptService{Store: app.db}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}

// initHTTP initializes the HTTP router and server.
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.signer,
		BuildVersion,
		app.db,
		app.logger,
	)

	// Wire services to router
	router.SignInService = app.signInService
	router.UserService = app.userService
	router.MFAService = app.mfaService
	router.CredentialService = app.credentialService
	router.AttemptService = app.attemptService
	router.EmailCodeService = app.emailCodeService
	router.Ceremonies = app.ceremonies
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
