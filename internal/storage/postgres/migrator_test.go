package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

var orderhubTables = []string{
	"customers",
	"products",
	"orders",
	"order_items",
	"idempotency_keys",
	"order_timeline",
	"outbox_messages",
}

func TestLoadMigrationPlan_EmbeddedSchema(t *testing.T) {
	t.Parallel()

	plan, err := loadMigrationPlan(embeddedMigrations)
	require.NoError(t, err)
	require.NotEmpty(t, plan)
	require.Equal(t, int64(1), plan[0].Version)
	require.Equal(t, "init", plan[0].Name)

	for _, table := range orderhubTables {
		require.Contains(t, plan[0].UpSQL, "CREATE TABLE IF NOT EXISTS "+table+" (", table)
		require.Contains(t, plan[0].DownSQL, "DROP TABLE IF EXISTS "+table+";", table)
	}

	// Гарантии, на которых держатся списание остатка и идемпотентность.
	require.Contains(t, plan[0].UpSQL, "stock_qty INTEGER NOT NULL DEFAULT 0 CHECK (stock_qty >= 0)")
	require.Contains(t, plan[0].UpSQL, "key VARCHAR(255) PRIMARY KEY")
	require.Contains(t, plan[0].UpSQL, "CREATE UNIQUE INDEX IF NOT EXISTS uq_orders_idempotency_key ON orders (idempotency_key)")
	require.Contains(t, plan[0].UpSQL, "UNIQUE (order_id, product_id)")
}

func TestLoadMigrationPlan_SortsAndPairs(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0002_order_notes.up.sql":   {Data: []byte("ALTER TABLE orders ADD COLUMN note TEXT;")},
		"sql/migrations/0002_order_notes.down.sql": {Data: []byte("ALTER TABLE orders DROP COLUMN note;")},
		"sql/migrations/0001_init.up.sql":          {Data: []byte("CREATE TABLE orders (id BIGSERIAL);")},
		"sql/migrations/0001_init.down.sql":        {Data: []byte("DROP TABLE orders;")},
		"sql/migrations/README.md":                 {Data: []byte("not a migration")},
	}

	plan, err := loadMigrationPlan(fsys)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, "0001_init", plan[0].String())
	require.Equal(t, "0002_order_notes", plan[1].String())
	require.Equal(t, "ALTER TABLE orders DROP COLUMN note;", plan[1].DownSQL)
}

func TestLoadMigrationPlan_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		files   fstest.MapFS
		wantErr string
	}{
		{
			name: "missing down",
			files: fstest.MapFS{
				"sql/migrations/0001_init.up.sql": {Data: []byte("CREATE TABLE a (id INT);")},
			},
			wantErr: "both up and down",
		},
		{
			name: "invalid name",
			files: fstest.MapFS{
				"sql/migrations/init.sql": {Data: []byte("SELECT 1;")},
			},
			wantErr: "invalid migration file name",
		},
		{
			name: "empty body",
			files: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":   {Data: []byte("  \n")},
				"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE a;")},
			},
			wantErr: "empty",
		},
		{
			name: "name mismatch",
			files: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":    {Data: []byte("CREATE TABLE a (id INT);")},
				"sql/migrations/0001_other.down.sql": {Data: []byte("DROP TABLE a;")},
			},
			wantErr: "name mismatch",
		},
		{
			name: "duplicate up",
			files: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
				"sql/migrations/01_init.up.sql":     {Data: []byte("CREATE TABLE b (id INT);")},
				"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE a;")},
			},
			wantErr: "duplicate up",
		},
		{
			name:    "no files",
			files:   fstest.MapFS{"sql/migrations/notes.txt": {Data: []byte("x")}},
			wantErr: "no migration files",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := loadMigrationPlan(tc.files)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestMigrationPlan_State(t *testing.T) {
	t.Parallel()

	plan := migrationPlan{{Version: 1, Name: "init"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}}

	tests := []struct {
		name    string
		applied map[int64]bool
		want    MigrationState
	}{
		{name: "empty schema", applied: map[int64]bool{}, want: MigrationState{Version: 0, Applied: 0, Pending: 3}},
		{name: "partially applied", applied: map[int64]bool{1: true, 2: true}, want: MigrationState{Version: 2, Applied: 2, Pending: 1}},
		{name: "gap is pending", applied: map[int64]bool{1: true, 3: true}, want: MigrationState{Version: 3, Applied: 2, Pending: 1}},
		{name: "up to date", applied: map[int64]bool{1: true, 2: true, 3: true}, want: MigrationState{Version: 3, Applied: 3, Pending: 0}},
	}

	for _, tc := range tests {
		require.Equal(t, tc.want, plan.state(tc.applied), tc.name)
	}

	pending := plan.pending(map[int64]bool{1: true, 3: true})
	require.Len(t, pending, 1)
	require.Equal(t, int64(2), pending[0].Version)
}

func TestMigrationPlan_Rollback(t *testing.T) {
	t.Parallel()

	plan := migrationPlan{{Version: 1, Name: "init"}, {Version: 2, Name: "b"}}

	todo, err := plan.rollback([]int64{2, 1})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 1}, []int64{todo[0].Version, todo[1].Version})

	_, err = plan.rollback([]int64{9})
	require.ErrorContains(t, err, "unknown migration version 9")
}

func TestParseMigrationFileName(t *testing.T) {
	t.Parallel()

	version, name, direction, err := parseMigrationFileName("0007_outbox_retry.down.sql")
	require.NoError(t, err)
	require.Equal(t, int64(7), version)
	require.Equal(t, "outbox_retry", name)
	require.Equal(t, migrationDown, direction)

	_, _, _, err = parseMigrationFileName("0007_outbox.sideways.sql")
	require.Error(t, err)
}
