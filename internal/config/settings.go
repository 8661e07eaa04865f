// Package config generalizes the teacher's ConfigManager from a handful
// of GUI/automation toggles to the spec's full §4.4 scheduler
// configuration table, backed by the same AppSetting key-value store.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"project-tachyon/internal/scheduler"
	"project-tachyon/internal/storage"
)

// Keys for AppSettings in DB.
const (
	KeyEnableControlSurface = "enable_control_surface"
	KeyControlToken         = "control_token"
	KeyControlPort          = "control_port"
	KeyEnableIntegrityCheck = "enable_integrity_check"
	KeyUserAgent            = "user_agent"

	KeyWorkerPoolSize  = "worker_pool_size"
	KeyPollingInterval = "polling_interval_ms"
	KeyRetryBudget     = "retry_budget"
	KeyConnectTimeout  = "connect_timeout_ms"
	KeyReadTimeout     = "read_timeout_ms"
	KeyRetentionWindow = "retention_window_hours"
)

// Manager reads/writes the process configuration table through the
// storage package's key-value AppSetting rows, matching the teacher's
// ConfigManager pattern.
type Manager struct {
	storage *storage.Storage
}

func NewManager(s *storage.Storage) *Manager {
	return &Manager{storage: s}
}

func (c *Manager) GetControlPort() int {
	return c.getInt(KeyControlPort, 4444)
}

func (c *Manager) SetControlPort(port int) error {
	return c.storage.SetString(KeyControlPort, strconv.Itoa(port))
}

func (c *Manager) GetEnableControlSurface() bool {
	val, err := c.storage.GetString(KeyEnableControlSurface)
	if err != nil {
		return false
	}
	return val == "true"
}

func (c *Manager) SetEnableControlSurface(enabled bool) error {
	return c.storage.SetString(KeyEnableControlSurface, boolString(enabled))
}

func (c *Manager) GetControlToken() string {
	val, err := c.storage.GetString(KeyControlToken)
	if err != nil || val == "" {
		token := generateSecureToken()
		c.storage.SetString(KeyControlToken, token)
		return token
	}
	return val
}

func (c *Manager) GetEnableIntegrityCheck() bool {
	val, err := c.storage.GetString(KeyEnableIntegrityCheck)
	if err != nil {
		return true
	}
	return val != "false"
}

func (c *Manager) SetEnableIntegrityCheck(enabled bool) error {
	return c.storage.SetString(KeyEnableIntegrityCheck, boolString(enabled))
}

// GetUserAgent returns the custom User-Agent string, empty if unset
// (caller falls back to transfer.GenericUserAgent).
func (c *Manager) GetUserAgent() string {
	val, err := c.storage.GetString(KeyUserAgent)
	if err != nil {
		return ""
	}
	return val
}

func (c *Manager) SetUserAgent(ua string) error {
	return c.storage.SetString(KeyUserAgent, ua)
}

// SchedulerConfig materializes the spec §4.4 configuration table from
// persisted settings, falling back to scheduler.DefaultConfig() per
// missing key.
func (c *Manager) SchedulerConfig() scheduler.Config {
	def := scheduler.DefaultConfig()
	return scheduler.Config{
		WorkerPoolSize:  c.getInt(KeyWorkerPoolSize, def.WorkerPoolSize),
		PollingInterval: time.Duration(c.getInt(KeyPollingInterval, int(def.PollingInterval/time.Millisecond))) * time.Millisecond,
		RetryBudget:     c.getInt(KeyRetryBudget, def.RetryBudget),
		ConnectTimeout:  time.Duration(c.getInt(KeyConnectTimeout, int(def.ConnectTimeout/time.Millisecond))) * time.Millisecond,
		ReadTimeout:     time.Duration(c.getInt(KeyReadTimeout, int(def.ReadTimeout/time.Millisecond))) * time.Millisecond,
		RetentionWindow: time.Duration(c.getInt(KeyRetentionWindow, int(def.RetentionWindow/time.Hour))) * time.Hour,
	}
}

func (c *Manager) SetSchedulerConfig(cfg scheduler.Config) error {
	c.storage.SetString(KeyWorkerPoolSize, strconv.Itoa(cfg.WorkerPoolSize))
	c.storage.SetString(KeyPollingInterval, strconv.Itoa(int(cfg.PollingInterval/time.Millisecond)))
	c.storage.SetString(KeyRetryBudget, strconv.Itoa(cfg.RetryBudget))
	c.storage.SetString(KeyConnectTimeout, strconv.Itoa(int(cfg.ConnectTimeout/time.Millisecond)))
	c.storage.SetString(KeyReadTimeout, strconv.Itoa(int(cfg.ReadTimeout/time.Millisecond)))
	return c.storage.SetString(KeyRetentionWindow, strconv.Itoa(int(cfg.RetentionWindow/time.Hour)))
}

func (c *Manager) getInt(key string, def int) int {
	valStr, err := c.storage.GetString(key)
	if err != nil || valStr == "" {
		return def
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return def
	}
	return val
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func generateSecureToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "transferd-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}

// FactoryReset resets all configuration to defaults by clearing every
// known key; getters fall back to their defaults on empty values.
func (c *Manager) FactoryReset() error {
	keys := []string{
		KeyEnableControlSurface, KeyControlToken, KeyControlPort,
		KeyEnableIntegrityCheck, KeyUserAgent,
		KeyWorkerPoolSize, KeyPollingInterval, KeyRetryBudget,
		KeyConnectTimeout, KeyReadTimeout, KeyRetentionWindow,
	}
	for _, key := range keys {
		if err := c.storage.SetString(key, ""); err != nil {
			return err
		}
	}
	return nil
}
