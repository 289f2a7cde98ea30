// Command flumed runs the workflow polling service: it resumes every active
// user automation and drives its polling loop until shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/flume"
	"github.com/nevindra/flume/internal/config"
	"github.com/nevindra/flume/nodes"
	"github.com/nevindra/flume/observer"
	"github.com/nevindra/flume/store/postgres"
	"github.com/nevindra/flume/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default flume.toml)")
	flag.Parse()

	cfg := config.Load(*configPath)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store     flume.Store
		templates flume.TemplateSource
	)
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf(" [flumed] connect postgres: %v", err)
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.Init(ctx); err != nil {
			log.Fatalf(" [flumed] init postgres: %v", err)
		}
		store, templates = pg, pg
	default:
		sq, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			log.Fatalf(" [flumed] open sqlite: %v", err)
		}
		defer sq.Close()
		store, templates = sq, sq
	}

	var (
		engineOpts     []flume.EngineOption
		supervisorOpts []flume.SupervisorOption
	)
	if cfg.Engine.MaxPasses > 0 {
		engineOpts = append(engineOpts, flume.WithMaxPasses(cfg.Engine.MaxPasses))
	}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf(" [flumed] init observer: %v", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				log.Printf(" [flumed] observer shutdown: %v", err)
			}
		}()
		engineOpts = append(engineOpts, flume.WithNodeHook(inst.NodeHook()))
		supervisorOpts = append(supervisorOpts, flume.WithTickHook(inst.TickHook()))
	}

	registry := flume.NewRegistry()
	nodes.RegisterBuiltins(registry)

	engine := flume.NewEngine(registry, engineOpts...)
	refresher := flume.NewRefresher(store,
		flume.WithGoogleApp(cfg.OAuth.Google.ClientID, cfg.OAuth.Google.ClientSecret),
		flume.WithTikTokApp(cfg.OAuth.TikTok.ClientKey, cfg.OAuth.TikTok.ClientSecret),
	)

	supervisorOpts = append(supervisorOpts,
		flume.WithDefaultInterval(time.Duration(cfg.Polling.DefaultIntervalSeconds)*time.Second),
		flume.WithResumeStagger(time.Duration(cfg.Polling.ResumeStaggerMillis)*time.Millisecond),
	)
	supervisor := flume.NewSupervisor(store, templates, engine, refresher, supervisorOpts...)

	if err := supervisor.ResumeActive(ctx); err != nil {
		log.Printf(" [flumed] resume active automations: %v", err)
	}

	log.Printf(" [flumed] running, press ctrl-c to stop")
	<-ctx.Done()
	supervisor.StopAll()
}
