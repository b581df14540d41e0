package migration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMigrationsDir(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("MIGRATIONS_DIR", "/srv/migrations")

		dir, err := getMigrationsDir()
		require.NoError(t, err)
		assert.Equal(t, "/srv/migrations", dir)
	})

	t.Run("module root", func(t *testing.T) {
		t.Setenv("MIGRATIONS_DIR", "")

		dir, err := getMigrationsDir()
		require.NoError(t, err)
		assert.Equal(t, "migrations", filepath.Base(dir))

		_, err = os.Stat(filepath.Join(filepath.Dir(dir), "go.mod"))
		assert.NoError(t, err)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.NotEmpty(t, entries)
	})
}
