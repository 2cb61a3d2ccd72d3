package testhelpers

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"pairprog/internal/database"
	"pairprog/internal/models"
)

var (
	openSQLite    = func(dsn string) (*gorm.DB, error) { return gorm.Open(sqlite.Open(dsn), &gorm.Config{}) }
	dropRoomTable = func(db *gorm.DB) error { return db.Migrator().DropTable(&models.Room{}) }
)

// SetupTestDB creates an isolated in-memory SQLite database for tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := openSQLite(dsn)
	if err != nil {
		panic(fmt.Sprintf("failed to open test database: %v", err))
	}
	if err := database.Migrate(db); err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}
	t.Cleanup(func() {
		_ = dropRoomTable(db)
		_ = database.Close(db)
	})
	return db
}

// DropRoomTable removes the rooms table to force repository errors.
func DropRoomTable(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := dropRoomTable(db); err != nil {
		panic(fmt.Sprintf("failed to drop room table: %v", err))
	}
}
