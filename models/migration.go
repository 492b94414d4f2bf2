package models

import (
	"log"

	"gorm.io/gorm"
)

func AllModels() []interface{} {
	return []interface{}{
		&Company{}, &Customer{}, &Product{},
		&Order{}, &OrderItem{},
		&SyncConfigRecord{}, &SyncHistoryEntry{},
		&SyncRun{}, &SyncRunError{},
		&IdempotencyKey{},
	}
}

func MigrateTable(db *gorm.DB) {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		log.Fatal(err)
	}
}
