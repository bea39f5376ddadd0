package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"zcollect/config"
)

type serverKey struct {
	plantID int64
	name    string
}

// SQLStore is the relational warehouse writer. One SQLStore is shared by all
// concurrently running instance pipelines; the underlying *sql.DB pool is the
// only shared mutable resource and every logical write is its own implicit
// transaction.
type SQLStore struct {
	db    *sql.DB
	d     dialect
	log   *zap.SugaredLogger
	runID int64

	mu          sync.Mutex
	serverCache map[serverKey]int64 // (plant_id, server_name) → id, per run
}

// Open connects to the configured warehouse, bootstraps the schema when the
// database is fresh, and allocates the run id for this invocation.
func Open(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*SQLStore, error) {
	driver, dsn, d, err := dsnFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect %s: %w", driver, err)
	}

	s := &SQLStore{db: db, d: d, log: log, serverCache: make(map[serverKey]int64)}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if s.runID, err = s.nextRunID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// RunID returns the run identifier allocated at Open, shared by every fact
// row written during this invocation.
func (s *SQLStore) RunID() int64 { return s.runID }

// nextRunID allocates max(existing run_id)+1 from the availability facts.
func (s *SQLStore) nextRunID() (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(run_id), 0) + 1 FROM fact_infra_availability`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: allocate run id: %w", err)
	}
	return id, nil
}

// ensureSchema creates the dimension and fact tables on a fresh database.
// When dim_plant already exists the whole bootstrap is skipped, so indexes
// never re-run (MySQL has no CREATE INDEX IF NOT EXISTS).
func (s *SQLStore) ensureSchema() error {
	if s.schemaExists() {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin schema bootstrap: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range warehouseDDL(s.d) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: schema bootstrap: %w\nSQL: %s", err, stmt)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit schema bootstrap: %w", err)
	}
	s.log.Infow("warehouse schema created")
	return nil
}

// schemaExists returns true when the dim_plant table is already present.
func (s *SQLStore) schemaExists() bool {
	var exists bool
	var err error
	switch s.d {
	case dialectPostgres:
		err = s.db.QueryRow(
			`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name='dim_plant')`,
		).Scan(&exists)
	case dialectMySQL:
		// SHOW TABLES LIKE returns a row when the table exists.
		var name string
		err = s.db.QueryRow(`SHOW TABLES LIKE 'dim_plant'`).Scan(&name)
		return err == nil
	default: // SQLite
		err = s.db.QueryRow(
			`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='dim_plant')`,
		).Scan(&exists)
	}
	return err == nil && exists
}

// ph returns the positional placeholder for the nth argument (1-based).
// PostgreSQL uses $1, $2, …; everything else uses ?.
func (s *SQLStore) ph(n int) string {
	if s.d == dialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// PlantID resolves a plant name to its surrogate key. Plants are
// pre-populated and never created here; absence yields ok=false.
func (s *SQLStore) PlantID(ctx context.Context, name string) (int64, bool, error) {
	var id int64
	q := fmt.Sprintf(`SELECT id FROM dim_plant WHERE name = %s`, s.ph(1))
	err := s.db.QueryRowContext(ctx, q, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: query plant %q: %w", name, err)
	}
	return id, true, nil
}

// EnsureServer upserts a server dimension row and returns its id.
// The upsert-then-select runs on the database so two pipelines racing on the
// same (plant_id, server_name) converge on one row; results are cached so
// each pair hits the database at most once per run.
func (s *SQLStore) EnsureServer(ctx context.Context, plantID int64, name, zabbixHostID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := serverKey{plantID: plantID, name: name}
	if id, ok := s.serverCache[key]; ok {
		return id, nil
	}

	var upsertQ string
	switch s.d {
	case dialectPostgres:
		upsertQ = `INSERT INTO dim_server (plant_id, server_name, zabbix_hostid)
			VALUES ($1, $2, $3)
			ON CONFLICT (plant_id, server_name) DO UPDATE
			SET zabbix_hostid = EXCLUDED.zabbix_hostid`
	case dialectMySQL:
		upsertQ = "INSERT INTO dim_server (plant_id, server_name, zabbix_hostid) " +
			"VALUES (?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE zabbix_hostid = VALUES(zabbix_hostid)"
	default: // SQLite
		upsertQ = `INSERT INTO dim_server (plant_id, server_name, zabbix_hostid)
			VALUES (?, ?, ?)
			ON CONFLICT(plant_id, server_name) DO UPDATE
			SET zabbix_hostid = excluded.zabbix_hostid`
	}

	if _, err := s.db.ExecContext(ctx, upsertQ, plantID, name, zabbixHostID); err != nil {
		return 0, fmt.Errorf("store: upsert server %q: %w", name, err)
	}

	var id int64
	selectQ := fmt.Sprintf(
		`SELECT id FROM dim_server WHERE plant_id = %s AND server_name = %s`,
		s.ph(1), s.ph(2))
	if err := s.db.QueryRowContext(ctx, selectQ, plantID, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: query server id %q: %w", name, err)
	}

	s.serverCache[key] = id
	return id, nil
}

// InsertAvailability appends one availability fact row. Each call commits
// independently so a later disk-space failure cannot undo it.
func (s *SQLStore) InsertAvailability(ctx context.Context, serverID int64, available bool, runID int64) error {
	q := fmt.Sprintf(
		`INSERT INTO fact_infra_availability (server_id, timestamp, is_available, run_id)
		VALUES (%s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	if _, err := s.db.ExecContext(ctx, q, serverID, now(), available, runID); err != nil {
		return fmt.Errorf("store: insert availability for server %d: %w", serverID, err)
	}
	return nil
}

// InsertDiskSpace appends one disk-space fact row for a single mount point.
func (s *SQLStore) InsertDiskSpace(ctx context.Context, serverID int64, du DiskUsage) error {
	q := fmt.Sprintf(
		`INSERT INTO fact_disk_space
		(server_id, timestamp, mount_point, total_space, used_space, free_space, free_space_percent)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err := s.db.ExecContext(ctx, q,
		serverID, now(), du.MountPoint, du.Total, du.Used, du.Free, du.FreePercent)
	if err != nil {
		return fmt.Errorf("store: insert disk space for server %d mount %q: %w",
			serverID, du.MountPoint, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
