package store

// Import database drivers as side effects so they register themselves
// with database/sql. The warehouse target is picked by database.driver in
// the configuration; sqlite needs no CGO and doubles as the test target.
import (
	_ "github.com/go-sql-driver/mysql" // driver: mysql
	_ "github.com/lib/pq"              // driver: postgres
	_ "modernc.org/sqlite"             // driver: sqlite
)
