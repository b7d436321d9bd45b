package main

import (
	"testing"
	"testing/fstest"

	"github.com/dvloznov/finance-intake/internal/store/postgres"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFilenamePattern(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  string
		name     string
	}{
		{"0001_core_schema.sql", true, "0001", "core_schema"},
		{"001_invalid.sql", false, "", ""},
		{"0001_test", false, "", ""},
		{"0001.sql", false, "", ""},
		{"invalid_0001_test.sql", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			m := migrationPattern.FindStringSubmatch(tt.filename)
			if !tt.valid {
				assert.Nil(t, m)
				return
			}
			require.NotNil(t, m)
			assert.Equal(t, tt.version, m[1])
			assert.Equal(t, tt.name, m[2])
		})
	}
}

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/0002_outbox.sql":      {Data: []byte("CREATE TABLE outbox (id INT);")},
		"migrations/0001_core_schema.sql": {Data: []byte("CREATE TABLE tenants (id INT);")},
		"migrations/README.md":            {Data: []byte("notes")},
	}

	migrations, err := readMigrations(fsys, "migrations", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "core_schema", migrations[0].Name)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Len(t, migrations[0].Checksum, 64)
	assert.NotEqual(t, migrations[0].Checksum, migrations[1].Checksum)
}

func TestReadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/0001_a.sql": {Data: []byte("SELECT 1;")},
		"migrations/0001_b.sql": {Data: []byte("SELECT 2;")},
	}
	_, err := readMigrations(fsys, "migrations", zerolog.Nop())
	assert.ErrorContains(t, err, "duplicate migration version 0001")
}

func TestReadMigrations_Embedded(t *testing.T) {
	migrations, err := readMigrations(postgres.Migrations, "migrations", zerolog.Nop())
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "versions are contiguous")
	}
}

func TestPendingMigrations(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "a", Checksum: "c1"},
		{Version: 2, Name: "b", Checksum: "c2"},
	}

	pending, err := pendingMigrations(migrations, []AppliedMigration{{Version: 1, Checksum: "c1"}}, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)

	_, err = pendingMigrations(migrations, []AppliedMigration{{Version: 1, Checksum: "changed"}}, zerolog.Nop())
	assert.ErrorContains(t, err, "modified after it was applied")
}
