package db

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	source := fstest.MapFS{
		"010_ledger.sql":  {Data: []byte("CREATE TABLE insurance_ledger (id UUID);")},
		"001_billing.sql": {Data: []byte("CREATE TABLE invoices (id UUID);")},
		"002_claims.sql":  {Data: []byte("CREATE TABLE claims (id UUID);")},
	}

	migrations, err := NewMigrator(nil, source).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	assert.Equal(t, []int{1, 2, 10}, []int{migrations[0].Version, migrations[1].Version, migrations[2].Version})
	assert.Equal(t, "001_billing.sql", migrations[0].Name)
	assert.Equal(t, "CREATE TABLE invoices (id UUID);", migrations[0].SQL)
}

func TestLoadMigrationsSkipsUnversionedFiles(t *testing.T) {
	source := fstest.MapFS{
		"001_billing.sql":   {Data: []byte("SELECT 1;")},
		"README.md":         {Data: []byte("docs")},
		"seed.sql":          {Data: []byte("SELECT 2;")},
		"abc_notes.sql":     {Data: []byte("SELECT 3;")},
		"archive/002_x.sql": {Data: []byte("SELECT 4;")},
	}

	migrations, err := NewMigrator(nil, source).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.Equal(t, 1, migrations[0].Version)
}

func TestLoadMigrationsRejectsDuplicateVersions(t *testing.T) {
	source := fstest.MapFS{
		"001_billing.sql": {Data: []byte("SELECT 1;")},
		"001_claims.sql":  {Data: []byte("SELECT 2;")},
	}

	_, err := NewMigrator(nil, source).LoadMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version 1")
}

func TestLoadMigrationsEmptySource(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	require.NoError(t, err)
	assert.Empty(t, migrations)
}

func TestUpRejectsInvalidSchema(t *testing.T) {
	_, err := NewMigrator(nil, fstest.MapFS{}).Up(context.Background(), "bad;schema")
	assert.Error(t, err)

	_, err = NewMigrator(nil, fstest.MapFS{}).Status(context.Background(), "bad schema")
	assert.Error(t, err)
}
