package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	expected := []string{
		"version",
		"serve",
		"submit",
		"status",
		"cancel",
		"approvals",
		"audit",
	}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestRootCommand_HelpOutput(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"--help"})

	err := rootCmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "strict phase sequence")
	assert.Contains(t, output, "version")
	assert.Contains(t, output, "serve")
	assert.Contains(t, output, "approvals")
}

func TestVersionVars_HaveDefaults(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "none", Commit)
	assert.Equal(t, "unknown", BuildDate)
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	tests := []struct {
		name     string
		flagName string
	}{
		{"config flag", "config"},
		{"verbose flag", "verbose"},
		{"log-level flag", "log-level"},
		{"log-format flag", "log-format"},
		{"otel flag", "otel"},
		{"server flag", "server"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := rootCmd.PersistentFlags().Lookup(tt.flagName)
			assert.NotNil(t, flag, "flag %q should be registered", tt.flagName)
		})
	}
}

func TestRootCommand_UseAndShort(t *testing.T) {
	assert.Equal(t, "arbiter", rootCmd.Use)
	assert.Equal(t, "Bounded orchestration for agentic requests", rootCmd.Short)
}

func TestApprovalsCommand_HasDecisionSubcommands(t *testing.T) {
	registered := make(map[string]bool)
	for _, cmd := range approvalsCmd.Commands() {
		registered[cmd.Name()] = true
	}
	assert.True(t, registered["list"])
	assert.True(t, registered["approve"])
	assert.True(t, registered["deny"])
}

func TestAuditCommand_HasSubcommands(t *testing.T) {
	registered := make(map[string]bool)
	for _, cmd := range auditCmd.Commands() {
		registered[cmd.Name()] = true
	}
	assert.True(t, registered["list"])
	assert.True(t, registered["verify"])
	assert.True(t, registered["export"])
	assert.True(t, registered["purge"])
}

func TestPackageLevelTracer_IsNotNil(t *testing.T) {
	assert.NotNil(t, tracer, "package-level tracer should be initialized")
}
