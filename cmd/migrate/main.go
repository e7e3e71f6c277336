// Command migrate applies the automation rule table migrations for Postgres
// or SQLite.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/liamcoop/automations/internal/logger"
)

const usage = `usage: migrate [-database URL] [-path DIR] [-command CMD] [ARG]

Applies the automation_rules schema. The database comes from -database or
DATABASE_URL; the migrations directory defaults to migrations/postgres or
migrations/sqlite depending on the URL scheme.

commands:
  up            apply every pending migration (default)
  down          roll back every migration
  steps N       apply N migrations, or roll back -N
  version       print the current version and dirty flag
  force V       mark version V as applied without running it
`

// migrator is the part of *migrate.Migrate the commands use.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
}

func main() {
	logger.Setup(logger.OptionsFromEnv())

	databaseURL := flag.String("database", "", "rule store URL: postgres://... or sqlite://<path>")
	migrationsPath := flag.String("path", "", "migrations directory (default migrations/<dialect>)")
	command := flag.String("command", "up", "up, down, steps, version or force")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if *databaseURL == "" {
		*databaseURL = os.Getenv("DATABASE_URL")
	}
	if *databaseURL == "" {
		flag.Usage()
		logger.Fatal("no database given, pass -database or set DATABASE_URL")
	}

	if *migrationsPath == "" {
		dir, err := defaultMigrationsDir(*databaseURL)
		if err != nil {
			logger.Fatal("cannot pick migrations", "error", err)
		}
		*migrationsPath = dir
	}

	logger.Info("opening rule store", "migrations", *migrationsPath)
	m, err := migrate.New("file://"+*migrationsPath, *databaseURL)
	if err != nil {
		logger.Fatal("failed to open migrations", "error", err)
	}
	defer m.Close()

	if err := run(m, *command, flag.Args()); err != nil {
		logger.Fatal("migration failed", "command", *command, "error", err)
	}
}

// run executes one command. ErrNoChange is not a failure.
func run(m migrator, command string, args []string) error {
	switch command {
	case "up":
		return report(m.Up(), "rule tables are up to date")
	case "down":
		return report(m.Down(), "rule tables rolled back")
	case "steps":
		n, err := intArg(args, "steps")
		if err != nil {
			return err
		}
		return report(m.Steps(n), "applied steps", "steps", n)
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("no migration applied yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		logger.Info("current version", "version", version, "dirty", dirty)
		return nil
	case "force":
		version, err := intArg(args, "force")
		if err != nil {
			return err
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force version %d: %w", version, err)
		}
		logger.Info("forced version", "version", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func report(err error, msg string, args ...any) error {
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("nothing to migrate")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info(msg, args...)
	return nil
}

func intArg(args []string, command string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s needs a number argument", command)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", command, args[0])
	}
	return n, nil
}

func defaultMigrationsDir(databaseURL string) (string, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "migrations/postgres", nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "migrations/sqlite", nil
	default:
		return "", fmt.Errorf("cannot pick migrations for %q, pass -path", databaseURL)
	}
}
