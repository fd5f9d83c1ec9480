package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"pairrelay/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// OpenDB connects to the SQL database configured for dbType.
func OpenDB(dbType string, cfg *config.Config) (*sql.DB, error) {
	key := strings.ToLower(dbType)
	if key == "sqlite" {
		key = "sqlite3"
	}
	dbCfg, ok := cfg.Databases[key]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch key {
	case "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one connection: keeps :memory: databases coherent and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS relay_sessions (
				id TEXT PRIMARY KEY,
				write_key TEXT NOT NULL,
				read_key TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				last_activity INTEGER NOT NULL,
				version INTEGER NOT NULL,
				reaped INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_relay_sessions_activity ON relay_sessions(last_activity)`,
			`CREATE TABLE IF NOT EXISTS relay_messages (
				session_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				body TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (session_id, seq),
				FOREIGN KEY(session_id) REFERENCES relay_sessions(id) ON DELETE CASCADE
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS relay_sessions (
				id VARCHAR(16) NOT NULL,
				write_key VARCHAR(64) NOT NULL,
				read_key VARCHAR(64) NOT NULL,
				created_at BIGINT NOT NULL,
				last_activity BIGINT NOT NULL,
				version BIGINT NOT NULL,
				reaped TINYINT(1) NOT NULL DEFAULT 0,
				PRIMARY KEY (id),
				INDEX idx_relay_sessions_activity (last_activity)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS relay_messages (
				session_id VARCHAR(16) NOT NULL,
				seq INT NOT NULL,
				body MEDIUMTEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (session_id, seq),
				CONSTRAINT fk_relay_messages_session FOREIGN KEY (session_id) REFERENCES relay_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
