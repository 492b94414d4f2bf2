package config

import (
	"os"
	"strings"
)

// EnvBoolDefault reads a boolean flag, accepting the usual spellings.
func EnvBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// StrictERPLock keeps orders with a confirmed external id read-only even for admins.
//
// Set via env:
// - TINY_STRICT_ERP_LOCK=true
func StrictERPLock() bool {
	return EnvBoolDefault("TINY_STRICT_ERP_LOCK", true)
}
