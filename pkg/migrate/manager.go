package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nimburion/chatsync/pkg/store/postgres"
)

//go:embed sql/*.sql
var embedded embed.FS

// EmbeddedDir is the directory of the bundled migrations inside Embedded().
const EmbeddedDir = "sql"

// Embedded returns the migrations shipped with chatsync.
func Embedded() fs.FS {
	return embedded
}

var fileNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)

// Migration is one versioned schema change.
type Migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// PendingMigration is a migration not yet applied.
type PendingMigration struct {
	Version int64
	Name    string
}

// Status lists applied versions and pending migrations.
type Status struct {
	AppliedVersions []int64
	Pending         []PendingMigration
}

// Manager applies and reverts migrations tracked in schema_migrations.
// Each step takes a transaction-scoped advisory lock so replicas starting
// together apply every migration once.
type Manager struct {
	db         *sql.DB
	migrations []Migration
}

// NewManager loads the migrations found in dir of files.
func NewManager(db *sql.DB, files fs.FS, dir string) (*Manager, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if files == nil {
		return nil, errors.New("migration filesystem is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("migration directory is required")
	}
	migrations, err := loadMigrations(files, dir)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, migrations: migrations}, nil
}

// Migrations returns the loaded migrations in version order.
func (m *Manager) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

var lockKey = postgres.AdvisoryLockKey("schema_migrations", "chatsync")

// Up applies every pending migration and returns how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}

	applied := 0
	for _, migration := range m.migrations {
		ran, err := m.step(ctx, migration, true)
		if err != nil {
			return applied, err
		}
		if ran {
			applied++
		}
	}
	return applied, nil
}

// Down reverts the newest steps migrations (at least one).
func (m *Manager) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}

	versions, err := m.appliedVersions(ctx, "DESC")
	if err != nil {
		return 0, err
	}
	if steps > len(versions) {
		steps = len(versions)
	}

	reverted := 0
	for _, version := range versions[:steps] {
		migration, ok := m.byVersion(version)
		if !ok {
			return reverted, fmt.Errorf("migration definition not found for applied version %d", version)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return reverted, fmt.Errorf("down migration missing for version %d", version)
		}
		ran, err := m.step(ctx, migration, false)
		if err != nil {
			return reverted, err
		}
		if ran {
			reverted++
		}
	}
	return reverted, nil
}

// Status reports applied and pending migrations.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	versions, err := m.appliedVersions(ctx, "ASC")
	if err != nil {
		return nil, err
	}

	applied := make(map[int64]struct{}, len(versions))
	for _, version := range versions {
		applied[version] = struct{}{}
	}
	status := &Status{AppliedVersions: versions, Pending: []PendingMigration{}}
	for _, migration := range m.migrations {
		if _, ok := applied[migration.Version]; !ok {
			status.Pending = append(status.Pending, PendingMigration{Version: migration.Version, Name: migration.Name})
		}
	}
	return status, nil
}

// step runs one migration in its own transaction. It re-checks the
// bookkeeping row under the lock and reports whether anything ran.
func (m *Manager) step(ctx context.Context, migration Migration, up bool) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration %d: %w", migration.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, migration.Version).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %d: %w", migration.Version, err)
	}
	if exists == up {
		return false, nil
	}

	body, record := migration.UpSQL, `INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, NOW())`
	args := []any{migration.Version, migration.Name}
	if !up {
		body, record = migration.DownSQL, `DELETE FROM schema_migrations WHERE version = $1`
		args = args[:1]
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return false, fmt.Errorf("migration %d_%s: %w", migration.Version, migration.Name, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return false, fmt.Errorf("record migration %d: %w", migration.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %d: %w", migration.Version, err)
	}
	return true, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	const query = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

func (m *Manager) appliedVersions(ctx context.Context, order string) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version `+order)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	versions := []int64{}
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func (m *Manager) byVersion(version int64) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.Version == version {
			return migration, true
		}
	}
	return Migration{}, false
}

func loadMigrations(files fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := fileNamePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %q: %w", matches[1], err)
		}
		body, err := fs.ReadFile(files, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %q: %w", entry.Name(), err)
		}

		migration, ok := byVersion[version]
		if !ok {
			migration = &Migration{Version: version, Name: matches[2]}
			byVersion[version] = migration
		} else if migration.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, migration.Name, matches[2])
		}
		if matches[3] == "up" {
			migration.UpSQL = string(body)
		} else {
			migration.DownSQL = string(body)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, migration := range byVersion {
		if strings.TrimSpace(migration.UpSQL) == "" {
			return nil, fmt.Errorf("missing up migration for version %d", migration.Version)
		}
		migrations = append(migrations, *migration)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
