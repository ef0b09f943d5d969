package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Tables and indexes the operational store relies on.
var (
	RequiredTables = map[string][]string{
		"connection_transitions": {"id", "connection_id", "owner_id", "from_state", "to_state", "reason", "occurred_at"},
		"metric_snapshots":       {"id", "taken_at", "events_ingested", "events_malformed", "events_routed", "events_delivered", "events_dropped", "cache_hit_rate", "active_connections", "subscriptions"},
		"schema_migrations":      {"version", "applied_at"},
	}
	RequiredIndexes = []string{
		"idx_transitions_connection_time",
		"idx_transitions_occurred_at",
		"idx_snapshots_taken_at",
	}
)

// SchemaValidator checks a live database against the expected schema.
// ARCHITECTURAL DISCOVERY: Kept apart from the migration manager so a
// deployment can be verified without applying anything.
type SchemaValidator struct {
	db     *sql.DB
	driver string
}

// NewSchemaValidator creates a validator for db.
func NewSchemaValidator(db *sql.DB, driver string) *SchemaValidator {
	return &SchemaValidator{db: db, driver: driver}
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateColumns(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range sortedTables() {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateColumns verifies every required column is present.
func (v *SchemaValidator) ValidateColumns() error {
	for _, table := range sortedTables() {
		found, err := v.columns(table)
		if err != nil {
			return fmt.Errorf("error reading columns of %s: %w", table, err)
		}
		for _, col := range RequiredTables[table] {
			if !found[col] {
				return fmt.Errorf("table %s: column %s not found", table, col)
			}
		}
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist.
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range RequiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) tableExists(name string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if v.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	}
	return v.exists(query, name)
}

func (v *SchemaValidator) indexExists(name string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?"
	if v.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = ?"
	}
	return v.exists(query, name)
}

func (v *SchemaValidator) exists(query, name string) (bool, error) {
	var count int
	if err := v.db.QueryRow(Rebind(v.driver, query), name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) columns(table string) (map[string]bool, error) {
	query := "SELECT name FROM pragma_table_info(?)"
	if v.driver == DriverPostgres {
		query = "SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?"
	}
	rows, err := v.db.Query(Rebind(v.driver, query), table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		found[name] = true
	}
	return found, rows.Err()
}

func sortedTables() []string {
	tables := make([]string, 0, len(RequiredTables))
	for t := range RequiredTables {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}
