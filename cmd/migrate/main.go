package main

import (
	"context"
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/config"
	"github.com/beak-insights/BeakDashX/pkg/store"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)

	configPath := flag.String("config", "", "path to config file")
	timeout := flag.Duration("timeout", 2*time.Minute, "migration timeout")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		logrus.Fatal("database.url is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := store.NewPostgresStore(ctx, &cfg.Database)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logrus.Fatalf("Migration failed: %v", err)
	}
	logrus.Info("Schema is up to date")
}
