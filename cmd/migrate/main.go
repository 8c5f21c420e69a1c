// Package main is the schema migration CLI. It applies the goose migrations
// embedded in the migrations package (ai schema, queue tables, worker
// tracking) against the configured database.
//
// Usage:
//
//	migrate [-timeout 60s] up|down|status|version
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/emergent-company/vectorizer/internal/migrate"
	"github.com/emergent-company/vectorizer/pkg/logger"
)

func main() {
	timeout := flag.Duration("timeout", 60*time.Second, "migration timeout")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-timeout 60s] up|down|status|version")
		os.Exit(2)
	}

	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	zlog, err := logger.NewZapLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zlog.Sync() }()

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsnFromEnv())))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	migrator := migrate.NewMigrator(db, zlog)

	switch cmd {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	case "status":
		err = migrator.Status(ctx)
	case "version":
		var v int64
		if v, err = migrator.Version(ctx); err == nil {
			fmt.Printf("database version: %d\n", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}

	if err != nil {
		zlog.Sugar().Errorf("migration failed: %v", err)
		os.Exit(1)
	}
}

func dsnFromEnv() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "postgres"),
		os.Getenv("POSTGRES_PASSWORD"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "postgres"),
		getEnv("POSTGRES_SSL_MODE", "disable"),
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
