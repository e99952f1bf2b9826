// Command restserver serves the REST front end: GET / lists the children of /parentNode and
// PUT /add/:nodeName adds one under a lock on the parent.
//
// Set TREELOCK_ENV=DEV to skip the bearer token check, or TREELOCK_ENV=QA with
// TREELOCK_QA_TOKEN to accept a fixed token. Otherwise tokens are verified against Okta
// (OKTA_DOMAIN, OKTA_CLIENT_ID).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	log "log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/treelock"
	"github.com/sharedcode/treelock/harness"
	"github.com/sharedcode/treelock/redis"
	"github.com/sharedcode/treelock/restapi"
)

func main() {
	treelock.ConfigureLogging()

	var (
		envFile   string
		addr      string
		mode      string
		redisAddr string
		workDelay time.Duration
		logLevel  string
		version   bool
	)
	flag.StringVar(&envFile, "env", ".env", "Path to the .env file with TREELOCK_* settings")
	flag.StringVar(&addr, "addr", "localhost:8080", "Address to listen on")
	flag.StringVar(&mode, "mode", "", "Lock table mode: 'standalone' or 'clustered' (default from config)")
	flag.StringVar(&redisAddr, "redis", "", "Redis address for clustered mode (e.g. localhost:6379)")
	flag.DurationVar(&workDelay, "workDelay", 0, "Sleep inside the add transaction, e.g. 10s to outlive the transaction timeout")
	flag.StringVar(&logLevel, "logLevel", "", "Log level: DEBUG, INFO, WARN or ERROR (default from TREELOCK_LOG_LEVEL)")
	flag.BoolVar(&version, "version", false, "Show version and exit")
	flag.Parse()

	if version {
		fmt.Printf("treelock restserver v%s\n", treelock.Version)
		os.Exit(0)
	}

	if logLevel != "" {
		var level log.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			exit("parsing -logLevel", err)
		}
		treelock.SetLogLevel(level)
	}

	cfg, err := treelock.LoadConfig(envFile)
	if err != nil {
		exit("loading configuration", err)
	}
	if mode != "" {
		if cfg.Mode, err = treelock.ParseClusterMode(mode); err != nil {
			exit("parsing -mode", err)
		}
	}
	if redisAddr != "" {
		cfg.Redis.Address = redisAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Mode == treelock.Clustered {
		// Every lock table client of the process shares this connection.
		redis.OpenConnection(redis.OptionsFromConfig(cfg.Redis))
		defer redis.CloseConnection()
	}

	var h *harness.Harness
	if err := treelock.Retry(ctx, func(ctx context.Context) error {
		var err error
		h, err = harness.New(ctx, harness.Options{Config: cfg})
		return err
	}, nil); err != nil {
		exit(fmt.Sprintf("starting the cluster (%v)", cfg.Mode), err)
	}
	defer h.Close()

	txns, locks := h.Coordinators()
	svc := restapi.NewService(h.Repositories(), locks, txns, cfg.LockTTL)
	svc.WorkDelay = workDelay

	if os.Getenv("TREELOCK_ENV") != restapi.EnvDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := restapi.NewRouter(svc, restapi.TokenVerifierFromEnv())
	if err != nil {
		exit("building routes", err)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", "error", err)
		}
	}()

	log.Info("REST server listening", "addr", addr, "mode", cfg.Mode, "workDelay", workDelay)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		h.Close()
		exit("serving", err)
	}
}

func exit(what string, err error) {
	fmt.Fprintf(os.Stderr, "Failed %s: %v\n", what, err)
	os.Exit(1)
}
