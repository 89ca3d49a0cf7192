package checkpoint

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	createTable: `CREATE TABLE IF NOT EXISTS %s (
		name VARCHAR(255) NOT NULL PRIMARY KEY,
		tag TEXT NOT NULL,
		states LONGTEXT NOT NULL,
		emitted LONGTEXT NOT NULL,
		updated_at BIGINT NOT NULL
	) DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	upsert: `INSERT INTO %s (name, tag, states, emitted, updated_at) VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			tag = VALUES(tag),
			states = VALUES(states),
			emitted = VALUES(emitted),
			updated_at = VALUES(updated_at)`,
}

// MySQLStore keeps checkpoints in a MySQL table.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects with a go-sql-driver DSN such as
// "user:pass@tcp(localhost:3306)/projections".
func NewMySQLStore(dsn, table string) (*MySQLStore, error) {
	table, err := validTable(table)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	store, err := newSQLStore(db, table, mysqlDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: store}, nil
}
