package store

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
	dialectMySQL
)

// warehouseDDL returns the dimension and fact table DDL for the dialect.
// Rules:
//   - CREATE TABLE uses IF NOT EXISTS (idempotent across dialects)
//   - CREATE INDEX omits IF NOT EXISTS — MySQL <8.0.12 doesn't support it.
//     The bootstrap checks for an existing schema first, so these only run
//     on a fresh database.
//
// dim_plant is created empty and never written afterwards: plants are
// reference data populated by the warehouse owners.
func warehouseDDL(d dialect) []string {
	switch d {
	case dialectPostgres:
		return []string{
			`CREATE TABLE IF NOT EXISTS dim_plant (
				id   BIGSERIAL PRIMARY KEY,
				name TEXT UNIQUE NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS dim_server (
				id            BIGSERIAL PRIMARY KEY,
				plant_id      BIGINT NOT NULL REFERENCES dim_plant(id),
				server_name   TEXT NOT NULL,
				zabbix_hostid TEXT NOT NULL DEFAULT '',
				UNIQUE(plant_id, server_name)
			)`,
			`CREATE TABLE IF NOT EXISTS fact_infra_availability (
				id           BIGSERIAL PRIMARY KEY,
				server_id    BIGINT NOT NULL REFERENCES dim_server(id),
				timestamp    TIMESTAMPTZ NOT NULL,
				is_available BOOLEAN NOT NULL,
				run_id       BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS fact_disk_space (
				id                 BIGSERIAL PRIMARY KEY,
				server_id          BIGINT NOT NULL REFERENCES dim_server(id),
				timestamp          TIMESTAMPTZ NOT NULL,
				mount_point        TEXT NOT NULL,
				total_space        DOUBLE PRECISION NOT NULL,
				used_space         DOUBLE PRECISION NOT NULL,
				free_space         DOUBLE PRECISION NOT NULL,
				free_space_percent DOUBLE PRECISION NOT NULL
			)`,
			`CREATE INDEX idx_availability_run ON fact_infra_availability (run_id)`,
			`CREATE INDEX idx_availability_server_time ON fact_infra_availability (server_id, timestamp DESC)`,
			`CREATE INDEX idx_disk_server_time ON fact_disk_space (server_id, timestamp DESC)`,
		}

	case dialectMySQL:
		// Notes:
		//   - No TIMESTAMPTZ; DATETIME stores without timezone. The writer
		//     inserts UTC timestamps.
		//   - Index prefix lengths are required for TEXT columns, so the
		//     unique-keyed columns use VARCHAR instead.
		return []string{
			"CREATE TABLE IF NOT EXISTS dim_plant (" +
				"  id   BIGINT AUTO_INCREMENT PRIMARY KEY," +
				"  name VARCHAR(255) UNIQUE NOT NULL" +
				") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
			"CREATE TABLE IF NOT EXISTS dim_server (" +
				"  id            BIGINT AUTO_INCREMENT PRIMARY KEY," +
				"  plant_id      BIGINT NOT NULL," +
				"  server_name   VARCHAR(255) NOT NULL," +
				"  zabbix_hostid VARCHAR(64) NOT NULL DEFAULT ''," +
				"  CONSTRAINT fk_server_plant FOREIGN KEY (plant_id) REFERENCES dim_plant(id)," +
				"  UNIQUE KEY uk_server_plant_name (plant_id, server_name)" +
				") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
			"CREATE TABLE IF NOT EXISTS fact_infra_availability (" +
				"  id           BIGINT AUTO_INCREMENT PRIMARY KEY," +
				"  server_id    BIGINT NOT NULL," +
				"  timestamp    DATETIME NOT NULL," +
				"  is_available BOOLEAN NOT NULL," +
				"  run_id       BIGINT NOT NULL," +
				"  CONSTRAINT fk_availability_server FOREIGN KEY (server_id) REFERENCES dim_server(id)" +
				") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
			"CREATE TABLE IF NOT EXISTS fact_disk_space (" +
				"  id                 BIGINT AUTO_INCREMENT PRIMARY KEY," +
				"  server_id          BIGINT NOT NULL," +
				"  timestamp          DATETIME NOT NULL," +
				"  mount_point        VARCHAR(255) NOT NULL," +
				"  total_space        DOUBLE NOT NULL," +
				"  used_space         DOUBLE NOT NULL," +
				"  free_space         DOUBLE NOT NULL," +
				"  free_space_percent DOUBLE NOT NULL," +
				"  CONSTRAINT fk_disk_server FOREIGN KEY (server_id) REFERENCES dim_server(id)" +
				") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
			"CREATE INDEX idx_availability_run ON fact_infra_availability (run_id)",
			"CREATE INDEX idx_availability_server_time ON fact_infra_availability (server_id, timestamp)",
			"CREATE INDEX idx_disk_server_time ON fact_disk_space (server_id, timestamp)",
		}

	default: // SQLite
		return []string{
			`CREATE TABLE IF NOT EXISTS dim_plant (
				id   INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT UNIQUE NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS dim_server (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				plant_id      INTEGER NOT NULL REFERENCES dim_plant(id),
				server_name   TEXT NOT NULL,
				zabbix_hostid TEXT NOT NULL DEFAULT '',
				UNIQUE(plant_id, server_name)
			)`,
			`CREATE TABLE IF NOT EXISTS fact_infra_availability (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				server_id    INTEGER NOT NULL REFERENCES dim_server(id),
				timestamp    DATETIME NOT NULL,
				is_available BOOLEAN NOT NULL,
				run_id       INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS fact_disk_space (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				server_id          INTEGER NOT NULL REFERENCES dim_server(id),
				timestamp          DATETIME NOT NULL,
				mount_point        TEXT NOT NULL,
				total_space        REAL NOT NULL,
				used_space         REAL NOT NULL,
				free_space         REAL NOT NULL,
				free_space_percent REAL NOT NULL
			)`,
			`CREATE INDEX idx_availability_run ON fact_infra_availability (run_id)`,
			`CREATE INDEX idx_availability_server_time ON fact_infra_availability (server_id, timestamp DESC)`,
			`CREATE INDEX idx_disk_server_time ON fact_disk_space (server_id, timestamp DESC)`,
		}
	}
}
