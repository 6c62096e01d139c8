package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations
var migrationsFS embed.FS

// Component selects one schema. Each component tracks its version in its own
// migrations table so several services can share a database locally.
type Component string

const (
	Inventory Component = "inventory"
	Payment   Component = "payment"
	Shipping  Component = "shipping"
	Order     Component = "order"
	Saga      Component = "saga"
)

func (c Component) migrationsTable() string {
	return "schema_migrations_" + string(c)
}

// RunMigrations applies all pending migrations of component.
func RunMigrations(dsn string, component Component, logger *zap.Logger) error {
	db, err := openDB(dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+string(component))
	if err != nil {
		return fmt.Errorf("create migration source for %s: %w", component, err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: component.migrationsTable()})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run %s migrations: %w", component, err)
	}

	version, dirty, _ := m.Version()
	logger.Info("migrations applied",
		zap.String("component", string(component)),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}
