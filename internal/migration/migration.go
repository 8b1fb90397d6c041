package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	"gorm.io/gorm"
)

// VersionTable records the applied migration version on Postgres.
const VersionTable = "recovery_schema_migrations"

var errNoHandle = errors.New("migration database handle is required")

// Models lists every table the recovery engine owns, parents first.
func Models() []any {
	return []any{
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&paymentdomain.Payment{},
		&paymentdomain.PaymentRetry{},
	}
}

// SchemaVersion is the state golang-migrate left the database in.
type SchemaVersion struct {
	Version uint
	Dirty   bool
}

// RunMigrations applies the embedded Postgres migrations and reports the
// resulting version. A dirty database is an error; it needs a manual force.
func RunMigrations(db *sql.DB) (SchemaVersion, error) {
	if db == nil {
		return SchemaVersion{}, errNoHandle
	}
	migrator, err := newMigrator(db)
	if err != nil {
		return SchemaVersion{}, err
	}
	// Closing the migrator would close the shared *sql.DB.

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return SchemaVersion{}, fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return SchemaVersion{}, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return SchemaVersion{Version: version, Dirty: true}, fmt.Errorf("schema version %d is dirty", version)
	}
	return SchemaVersion{Version: version}, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	scripts, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(scripts, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: VersionTable})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}

// AutoMigrate builds the schema from the GORM models. SQLite and MySQL use it
// in place of the SQL migrations.
func AutoMigrate(conn *gorm.DB) error {
	if conn == nil {
		return errNoHandle
	}
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
