package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/huddle-app/huddle/config"
	"github.com/huddle-app/huddle/coordinator"
	"github.com/huddle-app/huddle/events"
	"github.com/huddle-app/huddle/migrations"
	"github.com/huddle-app/huddle/routes"
	"github.com/huddle-app/huddle/store"
	"github.com/huddle-app/huddle/token"
	"github.com/huddle-app/huddle/utils"
)

func main() {

	if err := godotenv.Load(); err != nil {
		fmt.Println(err)
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.GetLogLevel(),
	}))
	slog.SetDefault(logger)

	if utils.GetEnv("RESET_DB", "0") == "1" {
		err := os.Remove(cfg.Huddle.DbPath)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}

	database := store.Initialize(cfg.Huddle.DbPath)

	goose.SetBaseFS(migrations.GetMigrations())

	if err := goose.SetDialect("sqlite3"); err != nil {
		panic(err)
	}

	if err := goose.Up(database.DB, "."); err != nil {
		panic(err)
	}

	st := store.New(database)
	hub := coordinator.NewHub(st, cfg.LivenessWindow())

	// Sweep well inside the liveness window so a lapsed device is gone
	// before the next heartbeat would have been due
	sweepScheduler := gocron.NewScheduler(time.UTC)
	sweepScheduler.Every(15).Seconds().Do(hub.SweepAll)
	sweepScheduler.StartAsync()

	events.Init()

	issuer := token.NewIssuer(cfg.Token.SigningSecret)
	limiter := store.NewRateLimiter(
		cfg.Progress.RateLimitWrites,
		time.Duration(cfg.Progress.RateLimitWindowSeconds)*time.Second,
	)

	router := routes.Register(http.NewServeMux(), routes.NewServer(st, hub, issuer, limiter))

	fmt.Printf("Huddle is running at http://localhost%s\n", cfg.Huddle.ListenAddr)

	if err := http.ListenAndServe(cfg.Huddle.ListenAddr, router); err != nil {
		fmt.Println(err)
		sweepScheduler.Stop()
		hub.Shutdown()
		os.Exit(1)
	}
}
