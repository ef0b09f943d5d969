package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "test.db")
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, "./data/tickstream.db", cfg.DSN)
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	assert.Equal(t, 10*time.Minute, cfg.ConnMaxIdleTime)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Driver = "mysql" }},
		{"empty dsn", func(c *Config) { c.DSN = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"zero queue", func(c *Config) { c.WriteQueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	pg := DefaultConfig()
	pg.Driver = DriverPostgres
	pg.DSN = "postgres://localhost/tickstream?sslmode=disable"
	assert.NoError(t, pg.Validate())
}

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b, c) VALUES (?, ?, ?)"
	assert.Equal(t, q, Rebind(DriverSQLite, q))
	assert.Equal(t, "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)", Rebind(DriverPostgres, q))
	assert.Equal(t, "SELECT 1", Rebind(DriverPostgres, "SELECT 1"))
}

func TestLoadMigrations(t *testing.T) {
	for _, driver := range []string{DriverSQLite, DriverPostgres} {
		migrations, err := LoadMigrations(driver)
		require.NoError(t, err, driver)
		require.NotEmpty(t, migrations, driver)
		assert.Equal(t, "001", migrations[0].Version)
		assert.Equal(t, "operational_store", migrations[0].Description)
		assert.Contains(t, migrations[0].SQL, "connection_transitions")
	}

	_, err := LoadMigrations("mysql")
	assert.Error(t, err)
}

func TestMigrationManager_ApplyIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	mm := NewMigrationManager(db, DriverSQLite)

	require.NoError(t, mm.ApplyMigrations())
	require.NoError(t, mm.ApplyMigrations())

	applied, err := mm.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"001": true}, applied)

	assert.NoError(t, NewSchemaValidator(db, DriverSQLite).Validate())
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	v := NewSchemaValidator(db, DriverSQLite)

	assert.Error(t, v.ValidateTablesExist())
	assert.Error(t, v.ValidateIndexes())
}

func TestSchema_StateConstraint(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db, DriverSQLite).ApplyMigrations())

	_, err := db.Exec(`INSERT INTO connection_transitions (connection_id, from_state, to_state, occurred_at)
		VALUES ('c1', 'pending', 'active', CURRENT_TIMESTAMP)`)
	assert.NoError(t, err)

	_, err = db.Exec(`INSERT INTO connection_transitions (connection_id, from_state, to_state, occurred_at)
		VALUES ('c1', 'active', 'exploded', CURRENT_TIMESTAMP)`)
	assert.Error(t, err)
}
