package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	file    string
	stmts   string
}

// load reads the embedded sql/ directory. Filenames are NNN_description.sql;
// the numeric prefix orders them.
func load() ([]migration, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	ms := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", entry.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		stmts, err := schemaFS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		ms = append(ms, migration{version: version, file: entry.Name(), stmts: string(stmts)})
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].version < ms[j].version })
	return ms, nil
}

// Migrate brings the schema up to the newest embedded migration. The whole
// upgrade runs in one transaction against the single-row schema_version table.
func Migrate(db *sql.DB) error {
	ms, err := load()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("schema_version: %w", err)
	}
	current := 0
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current); err {
	case nil:
	case sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("schema_version: %w", err)
		}
	default:
		return fmt.Errorf("schema_version: %w", err)
	}

	for _, m := range ms {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.stmts); err != nil {
			return fmt.Errorf("apply %s: %w", m.file, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.version); err != nil {
			return fmt.Errorf("bump to %d: %w", m.version, err)
		}
		current = m.version
	}
	return tx.Commit()
}
