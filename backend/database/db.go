package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Dialect names
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// DB wraps the job history connection
type DB struct {
	conn    *gorm.DB
	dialect string
}

// New opens the history store and migrates its schema. DSNs that look like a
// file path open SQLite through the pure Go driver; anything else is treated
// as a MySQL DSN.
func New(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	var (
		conn    *gorm.DB
		dialect string
		err     error
	)
	if IsSQLiteDSN(dsn) {
		dialect = DialectSQLite
		if path := sqlitePath(dsn); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		conn, err = gorm.Open(sqlite.New(sqlite.Config{
			DriverName: "sqlite",
			DSN:        withSQLitePragmas(dsn),
		}), cfg)
	} else {
		dialect = DialectMySQL
		conn, err = gorm.Open(mysql.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if dialect == DialectSQLite {
		// a single writer avoids SQLITE_BUSY under concurrent job updates
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, dialect: dialect}
	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Dialect returns the active dialect name
func (db *DB) Dialect() string {
	return db.dialect
}

func (db *DB) initSchema() error {
	return db.conn.AutoMigrate(&JobModel{})
}

// IsSQLiteDSN reports whether dsn names a SQLite database
func IsSQLiteDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	switch {
	case lower == ":memory:", strings.HasPrefix(lower, "file:"):
		return true
	}
	path := lower
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, ext := range []string{".db", ".sqlite", ".sqlite3"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func sqlitePath(dsn string) string {
	if dsn == ":memory:" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
