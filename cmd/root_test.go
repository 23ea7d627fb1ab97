package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"analyze", "runs", "serve", "worker", "export", "strategies", "store"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "synthesis-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestAnalyzeCommand_Flags(t *testing.T) {
	for _, name := range []string{"file", "text", "strategy", "metadata", "async", "temporal", "out"} {
		assert.NotNil(t, analyzeCmd.Flags().Lookup(name), "analyze should have --%s flag", name)
	}
	assert.Equal(t, "false", analyzeCmd.Flags().Lookup("metadata").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "status", "delete", "stats"} {
		assert.True(t, names[name], "runs should have subcommand %q", name)
	}
}

func TestRunsListCommand_Flags(t *testing.T) {
	flag := runsListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
	assert.NotNil(t, runsListCmd.Flags().Lookup("strategy"))
	assert.NotNil(t, runsListCmd.Flags().Lookup("status"))
}

func TestExportCommand_Args(t *testing.T) {
	assert.Error(t, exportCmd.Args(exportCmd, nil))
	assert.NoError(t, exportCmd.Args(exportCmd, []string{"run-1"}))
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789-0000-0000-000000000000"))
	assert.Equal(t, "short", truncateID("short"))
}
