package testutil

import (
	"testing"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DryRunMySQL returns a mysql-dialect handle that builds statements without
// connecting. The returned func reports the last INSERT it rendered.
func DryRunMySQL(t *testing.T) (*gorm.DB, func() string) {
	t.Helper()
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "playmaker:playmaker@tcp(127.0.0.1:3306)/playmaker?parseTime=True",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open mysql dry run: %v", err)
	}
	sqlDB, err := db.DB()
	if err == nil {
		t.Cleanup(func() { _ = sqlDB.Close() })
	}

	var last string
	err = db.Callback().Create().After("gorm:create").Register("testutil:capture", func(tx *gorm.DB) {
		last = tx.Statement.SQL.String()
	})
	if err != nil {
		t.Fatalf("register capture: %v", err)
	}
	return db, func() string { return last }
}
