package postgres

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
	"time"
)

const (
	migrationsDir     = "sql/migrations"
	schemaLockTimeout = 5 * time.Second

	// schemaLockKey сериализует миграции между экземплярами сервиса.
	schemaLockKey = int64(7202611)

	schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	//go:embed sql/migrations/*.sql
	embeddedMigrations embed.FS

	migrationFileName = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

// migration — пара up/down скриптов одной версии схемы.
type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// migrationPlan — встроенные миграции по возрастанию версии.
type migrationPlan []migration

// pending возвращает ещё не применённые миграции по возрастанию версии.
// Пропуски в середине тоже считаются ожидающими.
func (p migrationPlan) pending(applied map[int64]bool) []migration {
	out := make([]migration, 0, len(p))
	for _, m := range p {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

// rollback сопоставляет версии (от новых к старым) с миграциями плана.
func (p migrationPlan) rollback(versions []int64) ([]migration, error) {
	byVersion := make(map[int64]migration, len(p))
	for _, m := range p {
		byVersion[m.Version] = m
	}

	out := make([]migration, 0, len(versions))
	for _, v := range versions {
		m, ok := byVersion[v]
		if !ok {
			return nil, fmt.Errorf("cannot rollback unknown migration version %d", v)
		}
		out = append(out, m)
	}
	return out, nil
}

// state сводит состояние схемы по множеству применённых версий.
func (p migrationPlan) state(applied map[int64]bool) MigrationState {
	st := MigrationState{Applied: len(applied)}
	for v := range applied {
		if v > st.Version {
			st.Version = v
		}
	}
	st.Pending = len(p.pending(applied))
	return st
}

// MigrationState описывает состояние схемы относительно встроенных миграций.
type MigrationState struct {
	// Version — последняя применённая версия, 0 если схема пустая.
	Version int64
	Applied int
	Pending int
}

// MigrateUp применяет ожидающие миграции; steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withSchemaLock(ctx, func(conn *sql.Conn, plan migrationPlan, applied map[int64]bool) error {
		todo := plan.pending(applied)
		if steps > 0 && len(todo) > steps {
			todo = todo[:steps]
		}
		for _, m := range todo {
			if err := runMigrationStep(ctx, conn, m, migrationUp); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrateDown откатывает последние steps миграций; steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withSchemaLock(ctx, func(conn *sql.Conn, plan migrationPlan, applied map[int64]bool) error {
		versions := make([]int64, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
		if len(versions) > steps {
			versions = versions[:steps]
		}

		todo, err := plan.rollback(versions)
		if err != nil {
			return err
		}
		for _, m := range todo {
			if err := runMigrationStep(ctx, conn, m, migrationDown); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus возвращает текущую версию, число применённых и ожидающих миграций.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	var state MigrationState
	err := s.withSchemaLock(ctx, func(_ *sql.Conn, plan migrationPlan, applied map[int64]bool) error {
		state = plan.state(applied)
		return nil
	})
	return state, err
}

// withSchemaLock берёт advisory lock на выделенном соединении и передаёт fn
// план миграций и уже применённые версии.
func (s *Store) withSchemaLock(ctx context.Context, fn func(conn *sql.Conn, plan migrationPlan, applied map[int64]bool) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}

	plan, err := loadMigrationPlan(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, schemaLockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, plan, applied)
}

// runMigrationStep выполняет скрипт и запись в schema_migrations одной транзакцией.
func runMigrationStep(ctx context.Context, conn *sql.Conn, m migration, direction migrationDirection) (err error) {
	script := m.UpSQL
	record := `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`
	args := []any{m.Version, m.Name}
	if direction == migrationDown {
		script = m.DownSQL
		record = `DELETE FROM schema_migrations WHERE version = $1`
		args = args[:1]
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", direction, m, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("execute %s migration %s: %w", direction, m, err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s migration %s: %w", direction, m, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// parseMigrationFileName разбирает имя вида 0001_init.up.sql.
func parseMigrationFileName(name string) (int64, string, migrationDirection, error) {
	parts := migrationFileName.FindStringSubmatch(name)
	if parts == nil {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", name)
	}
	version, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("parse migration version from %s: %w", name, err)
	}
	return version, parts[2], migrationDirection(parts[3]), nil
}

// loadMigrationPlan читает .sql файлы каталога миграций и собирает пары up/down.
func loadMigrationPlan(fsys fs.FS) (migrationPlan, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		version, name, direction, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		body, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		script := strings.TrimSpace(string(body))
		if script == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, name)
		}

		target := &m.UpSQL
		if direction == migrationDown {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", direction, version)
		}
		*target = script
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	plan := make(migrationPlan, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m)
		}
		plan = append(plan, *m)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}
