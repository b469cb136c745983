// Package migrations embeds the schema. MySQL is versioned with
// golang-migrate; the ClickHouse history table is created idempotently.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed mysql/*.sql clickhouse/*.sql
var files embed.FS

// MySQLSource reads the versioned MySQL migrations.
func MySQLSource() (source.Driver, error) {
	return iofs.New(files, "mysql")
}

// UpMySQL applies pending MySQL migrations and returns the schema version.
// The DSN behind db must allow multiStatements.
func UpMySQL(db *sql.DB) (uint, error) {
	src, err := MySQLSource()
	if err != nil {
		return 0, fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratemysql.WithInstance(db, &migratemysql.Config{})
	if err != nil {
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "mysql", drv)
	if err != nil {
		return 0, fmt.Errorf("init migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("migrate version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

type Script struct {
	Name string
	SQL  string
}

// ClickHouse returns the ClickHouse scripts in filename order.
func ClickHouse() ([]Script, error) {
	entries, err := fs.ReadDir(files, "clickhouse")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scripts := make([]Script, 0, len(names))
	for _, n := range names {
		path := "clickhouse/" + n
		b, err := files.ReadFile(path)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, Script{Name: path, SQL: string(b)})
	}
	return scripts, nil
}

// Statements splits the script on semicolons and drops comment lines. The
// ClickHouse driver runs one statement per Exec.
func (s Script) Statements() []string {
	var out []string
	for _, stmt := range strings.Split(s.SQL, ";") {
		if stmt = stripComments(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func stripComments(stmt string) string {
	var lines []string
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
