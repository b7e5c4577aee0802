package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"smartclassroom/internal/config"
	"smartclassroom/internal/logger"
	"smartclassroom/internal/store"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: migrate <up|down|status|files>\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	zl, err := logger.New(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput}, "smartclassroom-migrate")
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	for _, w := range cfg.Warnings {
		zl.Warn(w)
	}

	cmd := flag.Arg(0)
	if cmd == "files" {
		files, err := store.MigrationFiles()
		if err != nil {
			zl.Fatal("list migrations failed", zap.Error(err))
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return
	}

	db, err := store.NewDB(context.Background(), cfg.DatabaseURL)
	if err != nil {
		zl.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	switch cmd {
	case "up":
		err = store.MigrateUp(db.Client)
	case "down":
		err = store.MigrateDown(db.Client)
	case "status":
		err = store.MigrateStatus(db.Client)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		zl.Fatal("migration failed", zap.String("command", cmd), zap.Error(err))
	}
	zl.Info("migration finished", zap.String("command", cmd))
}
