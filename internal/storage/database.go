package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"medibot/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured for dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// sqlite allows one writer; a single connection also keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		params := dbCfg.Params
		if params == "" {
			params = "parseTime=true&charset=utf8mb4"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			params,
		)
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
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token TEXT PRIMARY KEY,
				subject TEXT NOT NULL,
				email TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_tokens_subject ON user_tokens(subject)`,
			`CREATE TABLE IF NOT EXISTS guest_sessions (
				guest_id TEXT PRIMARY KEY,
				message_count INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_guest_sessions_expiry ON guest_sessions(expires_at)`,
			`CREATE TABLE IF NOT EXISTS guest_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				guest_id TEXT NOT NULL,
				text TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(guest_id) REFERENCES guest_sessions(guest_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_guest_messages_guest ON guest_messages(guest_id)`,
			`CREATE TABLE IF NOT EXISTS chat_records (
				owner_id TEXT NOT NULL,
				chat_id TEXT NOT NULL,
				query TEXT NOT NULL,
				answer TEXT NOT NULL,
				topic TEXT NOT NULL DEFAULT '',
				language TEXT NOT NULL DEFAULT 'English',
				steps TEXT NOT NULL DEFAULT '[]',
				steps_count INTEGER NOT NULL DEFAULT 0,
				attachments TEXT NOT NULL DEFAULT '[]',
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				PRIMARY KEY (owner_id, chat_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_records_expiry ON chat_records(expires_at)`,
			`CREATE TABLE IF NOT EXISTS audit_events (
				id TEXT PRIMARY KEY,
				event_type TEXT NOT NULL,
				action TEXT NOT NULL,
				actor_id TEXT NOT NULL DEFAULT '',
				resource_id TEXT NOT NULL DEFAULT '',
				severity TEXT NOT NULL,
				details TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_expiry ON audit_events(expires_at)`,
			`CREATE TABLE IF NOT EXISTS health_profiles (
				owner_id TEXT PRIMARY KEY,
				profile TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				subject VARCHAR(255) NOT NULL,
				email VARCHAR(255) NOT NULL DEFAULT '',
				name VARCHAR(255) NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_user_tokens_subject (subject)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS guest_sessions (
				guest_id CHAR(64) NOT NULL PRIMARY KEY,
				message_count INT NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_guest_sessions_expiry (expires_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS guest_messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				guest_id CHAR(64) NOT NULL,
				text VARCHAR(255) NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_guest_messages_guest (guest_id),
				CONSTRAINT fk_guest_messages_session FOREIGN KEY (guest_id) REFERENCES guest_sessions(guest_id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chat_records (
				owner_id VARCHAR(255) NOT NULL,
				chat_id VARCHAR(64) NOT NULL,
				query MEDIUMTEXT NOT NULL,
				answer MEDIUMTEXT NOT NULL,
				topic VARCHAR(64) NOT NULL DEFAULT '',
				language VARCHAR(32) NOT NULL DEFAULT 'English',
				steps MEDIUMTEXT NOT NULL,
				steps_count INT NOT NULL DEFAULT 0,
				attachments MEDIUMTEXT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				PRIMARY KEY (owner_id, chat_id),
				INDEX idx_chat_records_expiry (expires_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS audit_events (
				id CHAR(36) NOT NULL PRIMARY KEY,
				event_type VARCHAR(32) NOT NULL,
				action VARCHAR(64) NOT NULL,
				actor_id VARCHAR(255) NOT NULL DEFAULT '',
				resource_id VARCHAR(255) NOT NULL DEFAULT '',
				severity VARCHAR(16) NOT NULL,
				details TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_audit_events_type (event_type, created_at),
				INDEX idx_audit_events_expiry (expires_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS health_profiles (
				owner_id VARCHAR(255) NOT NULL PRIMARY KEY,
				profile MEDIUMTEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
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

// InsertIgnore returns the insert prefix that skips rows violating a unique key.
func InsertIgnore(driver string) string {
	if strings.ToLower(driver) == "mysql" {
		return "INSERT IGNORE INTO"
	}
	return "INSERT OR IGNORE INTO"
}

// ForUpdate returns the row-lock suffix for a SELECT inside a transaction.
// sqlite locks the whole database on write, so it needs none.
func ForUpdate(driver string) string {
	if strings.ToLower(driver) == "mysql" {
		return " FOR UPDATE"
	}
	return ""
}

// IsSQLite reports whether driver names a sqlite dialect.
func IsSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}
