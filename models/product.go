package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `gorm:"primary_key;size:64" json:"id"`
	Name      string          `gorm:"size:255;not null" json:"name"`
	Sku       string          `gorm:"size:64;index" json:"codigo_sku"`
	Ean       string          `gorm:"size:32;index" json:"codigo_ean"`
	Unit      string          `gorm:"size:8" json:"unit"`
	Price     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
