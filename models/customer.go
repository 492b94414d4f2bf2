package models

import (
	"strings"
	"time"
)

type Address struct {
	Street     string `gorm:"size:255" json:"street"`
	Number     string `gorm:"size:32" json:"number"`
	Complement string `gorm:"size:255" json:"complement"`
	District   string `gorm:"size:128" json:"district"`
	PostalCode string `gorm:"size:16" json:"postal_code"`
	City       string `gorm:"size:128" json:"city"`
	State      string `gorm:"size:2" json:"state"`
}

func (a Address) IsEmpty() bool {
	return strings.TrimSpace(a.Street+a.Number+a.Complement+a.District+a.PostalCode+a.City+a.State) == ""
}

type Customer struct {
	ID                       string    `gorm:"primary_key;size:64" json:"id"`
	Name                     string    `gorm:"size:255;not null" json:"name"`
	TaxId                    string    `gorm:"size:32;index" json:"tax_id"`
	StateRegistration        string    `gorm:"size:32" json:"state_registration"`
	Email                    string    `gorm:"size:255" json:"email"`
	Phone                    string    `gorm:"size:32" json:"phone"`
	Address                  Address   `gorm:"embedded;embeddedPrefix:addr_" json:"address"`
	DifferentDeliveryAddress bool      `gorm:"default:false" json:"different_delivery_address"`
	DeliveryAddress          Address   `gorm:"embedded;embeddedPrefix:delivery_" json:"delivery_address"`
	CreatedAt                time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TaxIdDigits strips formatting from the tax id.
func (c Customer) TaxIdDigits() string {
	return OnlyDigits(c.TaxId)
}

func OnlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
