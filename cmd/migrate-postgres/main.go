package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/marcelsud/roster-hooks/config"
	"github.com/marcelsud/roster-hooks/webhook/postgres"
)

/*
migrate-postgres creates the webhook tables on DATABASE_URL

Run with:
  go run cmd/migrate-postgres/main.go
  go run cmd/migrate-postgres/main.go -drop   (drops and recreates, loses data)

The statements are idempotent, running it twice is safe.
*/

func main() {
	drop := flag.Bool("drop", false, "drop the tables before creating them")
	flag.Parse()

	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Println("DATABASE_URL is not set")
		os.Exit(1)
	}

	ctx := context.Background()
	repo, err := postgres.NewRepositoryWithPoolConfig(cfg.DatabaseURL, 2, 1, 1)
	if err != nil {
		fmt.Printf("Error connecting to PostgreSQL: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close(ctx)

	if *drop {
		if err := repo.DropTables(ctx); err != nil {
			fmt.Printf("Error dropping tables: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Tables dropped")
	}

	if err := repo.CreateTables(ctx); err != nil {
		fmt.Printf("Error creating tables: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Tables ready")
}
