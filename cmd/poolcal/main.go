package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"poolcal/internal/cache"
	"poolcal/internal/config"
	applog "poolcal/internal/log"
	"poolcal/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		applog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	applog.SetLevel(applog.ParseLevel(conf.LogLevel))

	applog.Info("poolcal starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"cache_ttl_seconds", conf.CacheTTLSeconds,
		"horizon_days", conf.HorizonDays,
		"backfill_days", conf.BackfillDays,
		"calendars", len(conf.Calendars),
		"once", flags.once,
	)

	feedCache := cache.New(conf.CacheTTL())
	server := web.NewServer(conf, feedCache)

	if flags.once {
		if failed := server.RefreshAll(); failed > 0 {
			applog.Error("one-shot refresh finished with failures",
				fmt.Errorf("%d of %d calendars failed", failed, len(conf.Calendars)))
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		applog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	// Background cache warming on the configured cron schedule, plus
	// one warm-up pass at startup so the first subscriber never waits
	// on a cold fetch.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(conf.RefreshCron, func() { server.RefreshAll() }); err != nil {
		applog.Error("invalid refresh cron expression", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	go server.RefreshAll()

	httpServer := &http.Server{
		Addr:    conf.Listen,
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	applog.Info("serving", "listen", "http://"+conf.Listen)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		applog.Error("http server failed", err)
		os.Exit(1)
	}
	applog.Info("poolcal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig
	flag.StringVar(&cfg.configPath, "config", "/etc/poolcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh cycle for all calendars and exit")
	flag.Parse()
	return cfg
}
