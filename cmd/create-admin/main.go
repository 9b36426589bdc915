// Package main bootstraps an administrator account. The API has no endpoint
// for this on purpose: the first admin must come from the operator.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/omsu-chain/campuscoin/internal/app/services/users"
	"github.com/omsu-chain/campuscoin/internal/app/storage/postgres"
	"github.com/omsu-chain/campuscoin/internal/config"
	"github.com/omsu-chain/campuscoin/internal/platform/migrations"
	"github.com/omsu-chain/campuscoin/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	name := flag.String("name", "", "admin first name")
	surname := flag.String("surname", "", "admin surname")
	email := flag.String("email", "", "admin email")
	password := flag.String("password", "", "admin password (or ADMIN_PASSWORD)")
	flag.Parse()

	_ = godotenv.Load()

	if *password == "" {
		*password = os.Getenv("ADMIN_PASSWORD")
	}
	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: create-admin -email <email> -password <password> [-name <name>] [-surname <surname>]")
		os.Exit(2)
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.DSN == "" {
		fmt.Fprintln(os.Stderr, "database.dsn is required (DATABASE_URL)")
		os.Exit(1)
	}

	log := logger.NewDefault("create-admin")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Error("open database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Error("ping database")
		os.Exit(1)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		log.WithError(err).Error("apply migrations")
		os.Exit(1)
	}

	svc := users.New(postgres.New(db), []byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, log)
	admin, err := svc.CreateAdmin(ctx, *name, *surname, *email, *password)
	if err != nil {
		log.WithError(err).Error("create admin")
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"user_id": admin.ID,
		"email":   admin.Email,
	}).Info("admin account created")
}
