package db

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEmbeddedMigrations tests that the shipped migrations parse in order
func TestEmbeddedMigrations(t *testing.T) {
	m := NewMigrator(nil)

	migrations, err := m.Migrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "broker orders", migrations[0].Description)
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS broker_orders")

	assert.Equal(t, 2, migrations[1].Version)
	assert.Contains(t, migrations[1].SQL, "REFERENCES broker_orders(order_id)")
}

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"010_later.sql":       {Data: []byte("SELECT 10;")},
		"002_second_one.sql":  {Data: []byte("SELECT 2;")},
		"002_second_down.sql": {Data: []byte("DROP;")},
		"README.md":           {Data: []byte("notes")},
	}

	migrations, err := loadMigrations(files)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 2, migrations[0].Version)
	assert.Equal(t, "second one", migrations[0].Description)
	assert.Equal(t, 10, migrations[1].Version)
}

func TestLoadMigrations_BadName(t *testing.T) {
	files := fstest.MapFS{
		"init.sql": {Data: []byte("SELECT 1;")},
	}

	_, err := loadMigrations(files)
	assert.Error(t, err)
}
