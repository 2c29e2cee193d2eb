package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/boardroom/internal/models"
)

func TestOpenSQLiteMemory(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Exec("SELECT 1").Error)
	require.NoError(t, Ping(context.Background(), db))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.EqualError(t, err, `unsupported database driver "oracle"`)
}

func TestOpenAndMigrateCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "boardroom.sqlite")

	db, err := OpenAndMigrate(context.Background(), Config{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	migrator := db.Migrator()
	require.True(t, migrator.HasTable(&models.WhiteboardSession{}))
	require.True(t, migrator.HasTable(&models.SessionParticipant{}))
	require.True(t, migrator.HasTable(&models.SessionPermission{}))
	require.True(t, migrator.HasTable(&models.SessionStroke{}))
	require.True(t, migrator.HasTable(&models.SessionMessage{}))
	require.FileExists(t, path)
}

func TestPingRejectsNilHandle(t *testing.T) {
	require.Error(t, Ping(context.Background(), nil))
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	return db
}
