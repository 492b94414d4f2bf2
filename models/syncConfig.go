package models

import (
	"encoding/json"
	"time"
)

const (
	SyncConfigScopeGlobal = "global"

	DefaultSyncIntervalMinutes = 30
)

type SyncConfig struct {
	Enabled            bool   `json:"habilitado"`
	AutoSync           bool   `json:"sincronizacaoAutomatica"`
	IntervalMinutes    int    `json:"intervaloMinutos"`
	NotifyChanges      bool   `json:"notificarAlteracoes"`
	SyncAdditionalData bool   `json:"sincronizarDadosAdicionais"`
	WebhookURL         string `json:"webhookUrl,omitempty"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Enabled:            true,
		AutoSync:           false,
		IntervalMinutes:    DefaultSyncIntervalMinutes,
		NotifyChanges:      true,
		SyncAdditionalData: true,
	}
}

func (c SyncConfig) Interval() time.Duration {
	if c.IntervalMinutes <= 0 {
		return DefaultSyncIntervalMinutes * time.Minute
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// SyncConfigRecord persists one configuration scope: "global" or a company id.
type SyncConfigRecord struct {
	Scope      string    `gorm:"primary_key;size:64" json:"scope"`
	ConfigJSON []byte    `gorm:"type:json" json:"config"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func DecodeSyncConfig(raw []byte) SyncConfig {
	if len(raw) == 0 {
		return DefaultSyncConfig()
	}
	var cfg SyncConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return DefaultSyncConfig()
	}
	return cfg
}

func EncodeSyncConfig(cfg SyncConfig) []byte {
	b, _ := json.Marshal(cfg)
	return b
}
