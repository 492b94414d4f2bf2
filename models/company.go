package models

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	ERPNameTiny = "tiny"

	DefaultAutoSendMaxAttempts   = 3
	DefaultAutoSendRetryInterval = 5
)

type Company struct {
	ID               string    `gorm:"primary_key;size:64" json:"id"`
	Name             string    `gorm:"size:255;not null" json:"name"`
	TaxId            string    `gorm:"size:32" json:"tax_id"`
	IntegrationsJSON []byte    `gorm:"type:json" json:"-"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type ERPIntegrationConfig struct {
	ErpName         string          `json:"erpNome"`
	Active          bool            `json:"ativo"`
	ApiToken        string          `json:"apiToken"`
	ApiUrl          string          `json:"apiUrl,omitempty"`
	AutoSend        *AutoSendConfig `json:"envioAutomatico,omitempty"`
	Sync            *SyncConfig     `json:"sincronizacao,omitempty"`
	OperationNature string          `json:"naturezaOperacao,omitempty"`
}

type AutoSendConfig struct {
	Enabled              bool `json:"habilitado"`
	MaxAttempts          int  `json:"tentativasMaximas"`
	RetryIntervalMinutes int  `json:"intervaloRetentativa"`
}

// Normalized fills zero attempt/interval values with the defaults.
func (c AutoSendConfig) Normalized() AutoSendConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultAutoSendMaxAttempts
	}
	if c.RetryIntervalMinutes < 0 {
		c.RetryIntervalMinutes = DefaultAutoSendRetryInterval
	}
	return c
}

// DecodeIntegrations never fails: a missing or malformed column means "no integrations".
// A single object is accepted as a one-element list.
func DecodeIntegrations(raw []byte) []ERPIntegrationConfig {
	if len(raw) == 0 {
		return nil
	}
	var list []ERPIntegrationConfig
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single ERPIntegrationConfig
	if err := json.Unmarshal(raw, &single); err == nil && single.ErpName != "" {
		return []ERPIntegrationConfig{single}
	}
	return nil
}

func EncodeIntegrations(list []ERPIntegrationConfig) []byte {
	b, _ := json.Marshal(list)
	return b
}

func (c Company) Integrations() []ERPIntegrationConfig {
	return DecodeIntegrations(c.IntegrationsJSON)
}

// Integration returns the config for erpName, matched case-insensitively.
func (c Company) Integration(erpName string) (ERPIntegrationConfig, bool) {
	for _, cfg := range c.Integrations() {
		if strings.EqualFold(strings.TrimSpace(cfg.ErpName), strings.TrimSpace(erpName)) {
			return cfg, true
		}
	}
	return ERPIntegrationConfig{}, false
}

// SetIntegration replaces (or appends) the config with the same ERP name.
func (c *Company) SetIntegration(cfg ERPIntegrationConfig) {
	list := c.Integrations()
	replaced := false
	for i := range list {
		if strings.EqualFold(list[i].ErpName, cfg.ErpName) {
			list[i] = cfg
			replaced = true
		}
	}
	if !replaced {
		list = append(list, cfg)
	}
	c.IntegrationsJSON = EncodeIntegrations(list)
}
