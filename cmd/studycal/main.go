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

	"github.com/robfig/cron/v3"

	"studycal/internal/calendar"
	"studycal/internal/config"
	appLog "studycal/internal/log"
	"studycal/internal/remote"
	"studycal/internal/storage"
	"studycal/internal/syncer"
	"studycal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

const syncTimeout = time.Minute

func main() {
	appLog.Info("studycal starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"week_start", conf.WeekStart,
		"max_occurrences", conf.MaxOccurrences,
		"database", conf.Database,
		"sync_cron", conf.Sync.Cron,
		"redis", conf.Sync.Redis.Address != "",
		"once", flags.once,
	)

	loc := resolveLocationOrLocal(conf)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, loc, flags.once); err != nil {
		appLog.Error("studycal failed", err)
		os.Exit(1)
	}
	appLog.Info("studycal exiting")
}

func run(ctx context.Context, conf *config.Config, loc *time.Location, once bool) error {
	store, err := storage.Open(conf.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	var rem remote.Store
	if conf.Sync.Redis.Address != "" {
		rcfg := remote.DefaultRedisConfig(conf.Sync.Redis.Address)
		rcfg.Password = conf.Sync.Redis.Password
		rcfg.Database = conf.Sync.Redis.DB
		rcfg.Prefix = conf.Sync.Redis.Prefix
		rcfg.Timeout = conf.RedisTimeout()

		r, err := remote.NewRedis(ctx, rcfg)
		if err != nil {
			return err
		}
		defer r.Close()
		rem = r
	}

	cal := calendar.New(calendar.Options{
		Location:                loc,
		MaxOccurrencesPerSeries: conf.MaxOccurrences,
	})
	syncr := syncer.New(cal, store, rem)

	if err := syncr.Load(ctx); err != nil {
		return err
	}
	refresh(ctx, syncr)

	if once {
		return nil
	}

	if syncr.HasRemote() {
		c := cron.New()
		if _, err := c.AddFunc(conf.Sync.Cron, func() { refresh(ctx, syncr) }); err != nil {
			return err
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		appLog.Info("sync scheduled", "cron", conf.Sync.Cron)
	}

	srv := web.NewServer(conf, cal, syncr)
	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// refresh runs one replay+merge cycle. Failures are logged; the next
// scheduled run retries.
func refresh(ctx context.Context, s *syncer.Syncer) {
	if !s.HasRemote() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		appLog.Error("sync failed", err)
	}
}

func resolveLocationOrLocal(conf *config.Config) *time.Location {
	loc, err := conf.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", conf.Timezone)
		return time.Local
	}
	return loc
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/studycal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync cycle and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
