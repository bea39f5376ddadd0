package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"zcollect/config"
)

// DiskUsage holds a single per-mount-point disk measurement to persist.
type DiskUsage struct {
	MountPoint  string
	Total       float64
	Used        float64
	Free        float64
	FreePercent float64
}

// Store is the abstraction for the warehouse the poller writes into.
// Implementations must be safe for concurrent use: all instance pipelines
// share one Store and may race on the same (plant, server) dimension row.
type Store interface {
	// RunID is the identifier stamped on every fact row of this invocation,
	// strictly greater than any previously stored run id.
	RunID() int64

	// PlantID resolves a plant name to its surrogate key.
	// A missing plant is reported via ok=false, not an error — the caller
	// decides whether that is fatal.
	PlantID(ctx context.Context, name string) (id int64, ok bool, err error)

	// EnsureServer returns the surrogate key for (plantID, name), creating
	// the dimension row on first sight. Concurrent callers racing on the
	// same pair converge on a single row.
	EnsureServer(ctx context.Context, plantID int64, name, zabbixHostID string) (int64, error)

	InsertAvailability(ctx context.Context, serverID int64, available bool, runID int64) error
	InsertDiskSpace(ctx context.Context, serverID int64, du DiskUsage) error

	Close() error
}

// dsnFor maps the configured driver to a database/sql driver name, DSN and
// dialect. The server field takes host[:port]; default ports are applied.
// For sqlite the database field is the file path (":memory:" when empty).
func dsnFor(cfg config.DatabaseConfig) (driver, dsn string, d dialect, err error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.Username, cfg.Password),
			Host:   hostWithDefaultPort(cfg.Server, "5432"),
			Path:   "/" + cfg.Database,
		}
		return "postgres", u.String(), dialectPostgres, nil

	case "mysql":
		// go-sql-driver DSN format: user:pass@tcp(host:port)/dbname
		var creds string
		if cfg.Username != "" {
			creds = cfg.Username + ":" + cfg.Password + "@"
		}
		dsn := fmt.Sprintf("%stcp(%s)/%s?parseTime=true",
			creds, hostWithDefaultPort(cfg.Server, "3306"), cfg.Database)
		return "mysql", dsn, dialectMySQL, nil

	case "sqlite", "sqlite3":
		path := cfg.Database
		if path == "" {
			path = ":memory:"
		}
		return "sqlite", path, dialectSQLite, nil

	default:
		return "", "", 0, fmt.Errorf("store: unsupported driver %q (supported: postgres, mysql, sqlite)", cfg.Driver)
	}
}

// hostWithDefaultPort appends the default port when server carries none.
func hostWithDefaultPort(server, def string) string {
	if server == "" {
		return "localhost:" + def
	}
	if strings.Contains(server, ":") {
		return server
	}
	return server + ":" + def
}

// now is stubbed in tests so inserted timestamps are assertable.
var now = func() time.Time { return time.Now().UTC() }
