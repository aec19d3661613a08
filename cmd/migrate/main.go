// Migrate applies or rolls back the PostgreSQL schema.
// Usage: migrate [up|down]. POSTGRES_URL must be set.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/BuildsAndChill/mynextbook/internal/db/migrate"
	"github.com/BuildsAndChill/mynextbook/internal/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	log := logger.New(os.Getenv("LOG_LEVEL"))

	direction, err := parseDirection(os.Args[1:])
	if err != nil {
		log.Error("invalid arguments", "error", err)
		os.Exit(2)
	}

	if err := migrate.Run(os.Getenv("POSTGRES_URL"), direction); err != nil {
		log.Error("migration failed", "direction", direction, "error", err)
		os.Exit(1)
	}
	log.Info("migration finished", "direction", direction)
}

func parseDirection(args []string) (string, error) {
	if len(args) == 0 {
		return "up", nil
	}
	switch args[0] {
	case "up", "down":
		return args[0], nil
	default:
		return "", fmt.Errorf("unknown direction %q, want up or down", args[0])
	}
}
