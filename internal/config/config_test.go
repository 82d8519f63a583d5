package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
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

func TestLoadDefaults(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPolicyFile, cfg.PolicyFile)
	assert.Equal(t, DefaultMaxInputTokens, cfg.MaxInputTokens)
	assert.True(t, cfg.UsingDefaultSigningKey())
	assert.Less(t, cfg.ApprovalEscalation, cfg.ApprovalExpiry)
	assert.Equal(t, DefaultRateLimitRPS, cfg.RateLimitRPS)
}

func TestLoadExplicitSigningKey(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeySigningKey, strings.Repeat("k", 32))

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.UsingDefaultSigningKey())
}

func TestLoadRejectsShortSigningKey(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeySigningKey, "too-short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key")
}

func TestLoadRejectsEscalationAfterExpiry(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeyApprovalExpiryMin, 10)
	viper.Set(KeyEscalationMin, 15)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approval_escalation_minutes")
}

func TestValidateSigningKeyHex(t *testing.T) {
	require.NoError(t, validateSigningKey(strings.Repeat("ab", 32)))
	require.Error(t, validateSigningKey(strings.Repeat("ab", 8)))
}

func TestDBPaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/arbiter"}
	assert.Equal(t, "/var/lib/arbiter/audit.db", cfg.AuditDBPath())
	assert.Equal(t, "/var/lib/arbiter/state.db", cfg.StateDBPath())
}
