// Package config holds OPERATOR-LEVEL configuration for an arbiter
// installation: data directory, audit signing key, collaborator endpoints,
// budget ceilings, and timeout knobs. Set via env vars (ARBITER_*) or a
// config file (arbiter.config.yaml).
//
// Gate thresholds and the action allowlist are NOT configured here — they
// live in the orchestration policy document (internal/policy), which is
// versioned and hashed alongside the audit trail.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/clearline-io/arbiter/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the ARBITER_ prefix
// (e.g. "signing_key" → ARBITER_SIGNING_KEY) and to a YAML field in
// arbiter.config.yaml.
const (
	KeyDataDir           = "data_dir"
	KeySigningKey        = "signing_key"
	KeyPolicyFile        = "policy_file"
	KeyListenAddr        = "listen_addr"
	KeyOpenAIModel       = "openai_model"
	KeyCollaboratorSecs  = "collaborator_timeout_seconds"
	KeyRetentionDays     = "audit_retention_days"
	KeyMaxInputTokens    = "max_input_tokens"
	KeyMaxOutputTokens   = "max_output_tokens"
	KeyApprovalExpiryMin = "approval_expiry_minutes"
	KeyEscalationMin     = "approval_escalation_minutes"
	KeyRetrievalURL      = "retrieval_url"
	KeyExecutorURL       = "executor_url"
	KeyOpenAIAPIKey      = "openai_api_key"
	KeyRateLimitRPS      = "rate_limit_rps"
)

// Defaults that do NOT involve crypto material. The signing key has no
// baked-in default — when unset we derive a deterministic per-machine
// fallback and warn loudly.
const (
	DefaultPolicyFile      = "arbiter.policy.yaml"
	DefaultListenAddr      = ":8400"
	DefaultOpenAIModel     = "gpt-4o"
	DefaultCollaboratorSec = 60
	DefaultRetentionDays   = 2555 // 7 years
	DefaultMaxInputTokens  = 8192
	DefaultMaxOutputTokens = 2048
	DefaultExpiryMinutes   = 15
	DefaultEscalateMinutes = 10
	DefaultRateLimitRPS    = 10
)

// Config holds resolved operator-level configuration for an arbiter process.
type Config struct {
	DataDir            string        // Base directory for all state (~/.arbiter)
	SigningKey         string        // HMAC-SHA256 key for audit signing (≥32 bytes)
	PolicyFile         string        // Orchestration policy document filename
	ListenAddr         string        // HTTP listen address
	OpenAIModel        string        // Model used by the OpenAI inference adapter
	CollaboratorTimout time.Duration // Per external call (retrieval, inference, action)
	RetentionDays      int           // Audit retention before explicit purge is allowed
	MaxInputTokens     int           // Reasoning input token ceiling
	MaxOutputTokens    int           // Reasoning output token ceiling
	ApprovalExpiry     time.Duration // ApprovalCase expiry window
	ApprovalEscalation time.Duration // Secondary-approver escalation point
	RetrievalURL       string        // Retrieval collaborator endpoint
	ExecutorURL        string        // Action collaborator endpoint
	OpenAIAPIKey       string        // Inference collaborator credential
	RateLimitRPS       int           // Per-identity request rate

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the audit signing key was derived
// rather than set explicitly. Commands should warn when this is the case.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// AuditDBPath returns the full path to the audit trail SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// StateDBPath returns the full path to the orchestration state SQLite database.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKey logs a warning when the signing key is not explicitly set.
func (c *Config) WarnIfDefaultKey() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default ARBITER_SIGNING_KEY — set via env var or config file for production")
	}
}

func init() {
	viper.SetEnvPrefix("ARBITER")
	viper.AutomaticEnv()
	viper.SetDefault(KeyPolicyFile, DefaultPolicyFile)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyOpenAIModel, DefaultOpenAIModel)
	viper.SetDefault(KeyCollaboratorSecs, DefaultCollaboratorSec)
	viper.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	viper.SetDefault(KeyMaxInputTokens, DefaultMaxInputTokens)
	viper.SetDefault(KeyMaxOutputTokens, DefaultMaxOutputTokens)
	viper.SetDefault(KeyApprovalExpiryMin, DefaultExpiryMinutes)
	viper.SetDefault(KeyEscalationMin, DefaultEscalateMinutes)
	viper.SetDefault(KeyRateLimitRPS, DefaultRateLimitRPS)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:            resolveDataDir(),
		SigningKey:         viper.GetString(KeySigningKey),
		PolicyFile:         viper.GetString(KeyPolicyFile),
		ListenAddr:         viper.GetString(KeyListenAddr),
		OpenAIModel:        viper.GetString(KeyOpenAIModel),
		CollaboratorTimout: time.Duration(viper.GetInt(KeyCollaboratorSecs)) * time.Second,
		RetentionDays:      viper.GetInt(KeyRetentionDays),
		MaxInputTokens:     viper.GetInt(KeyMaxInputTokens),
		MaxOutputTokens:    viper.GetInt(KeyMaxOutputTokens),
		ApprovalExpiry:     time.Duration(viper.GetInt(KeyApprovalExpiryMin)) * time.Minute,
		ApprovalEscalation: time.Duration(viper.GetInt(KeyEscalationMin)) * time.Minute,
		RetrievalURL:       viper.GetString(KeyRetrievalURL),
		ExecutorURL:        viper.GetString(KeyExecutorURL),
		OpenAIAPIKey:       viper.GetString(KeyOpenAIAPIKey),
		RateLimitRPS:       viper.GetInt(KeyRateLimitRPS),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arbiter"
	}
	return filepath.Join(home, ".arbiter")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong — it
// exists solely so `arbiter serve` works out of the box while still signing
// audit entries with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("arbiter:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.CollaboratorTimout <= 0 {
		return fmt.Errorf("collaborator_timeout_seconds must be positive")
	}
	if c.MaxInputTokens <= 0 || c.MaxOutputTokens <= 0 {
		return fmt.Errorf("token ceilings must be positive")
	}
	if c.ApprovalEscalation >= c.ApprovalExpiry {
		return fmt.Errorf("approval_escalation_minutes must be less than approval_expiry_minutes")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("rate_limit_rps must be positive")
	}
	return nil
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters
// (decoded length ≥32 for HMAC-SHA256). Hex is checked first so that hex
// format is validated; raw is accepted otherwise when n ≥ 32.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set ARBITER_SIGNING_KEY", n)
}
