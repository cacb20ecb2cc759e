// Command migrate manages the PostgreSQL schema.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/example/gatekeeper/internal/config"
	"github.com/example/gatekeeper/internal/logging"
	"github.com/example/gatekeeper/internal/store"
	flag "github.com/spf13/pflag"
)

func main() {
	var (
		command = flag.StringP("command", "c", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down, 0 means all)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dsn     = flag.String("dsn", "", "PostgreSQL DSN (defaults to the service configuration)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to the embedded migrations)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Config error: %v", err)
		}
		if cfg.DBAdapter != "postgres" {
			log.Fatalf("Migrations only work with PostgreSQL. Current adapter: %s", cfg.DBAdapter)
		}
		*dsn = cfg.PostgresDSN
		if *dir == "" {
			*dir = cfg.MigrationsDir
		}
		logger = logging.NewLogger(cfg.Environment, cfg.LogLevel)
	}

	mg, err := store.NewMigrator(*dsn, *dir)
	if err != nil {
		log.Fatalf("Migrator error: %v", err)
	}
	defer mg.Close()

	switch *command {
	case "up":
		if *steps > 0 {
			err = mg.Steps(*steps)
		} else {
			err = mg.Up(logger)
		}
		if err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		fmt.Println("Migrations applied successfully")
	case "down":
		if *steps > 0 {
			err = mg.Steps(-*steps)
		} else {
			err = mg.Down()
		}
		if err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Println("Migrations rolled back successfully")
	case "version":
		v, dirty, err := mg.Version()
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		if dirty {
			fmt.Printf("Database is in a dirty state (version %d)\n", v)
			mg.Close()
			os.Exit(1)
		}
		fmt.Printf("Current migration version: %d\n", v)
	case "force":
		if *version == 0 {
			log.Fatal("Version required for force command (use --version)")
		}
		if err := mg.Force(int(*version)); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		fmt.Printf("Forced database to version %d\n", *version)
	default:
		log.Fatalf("Unknown command: %s (supported: up, down, version, force)", *command)
	}
}
