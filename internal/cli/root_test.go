package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "fieldops", cmd.Use)
	assert.Contains(t, cmd.Long, "offline")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"resume"}, {"login"}, {"logout"}, {"logout-all"}, {"whoami"},
		{"queue", "list"}, {"queue", "drain"},
		{"route", "sync-down"}, {"route", "sync-up"}, {"route", "show"}, {"route", "list"},
		{"route", "scan"}, {"route", "start"}, {"route", "finish"},
		{"route", "deliver"}, {"route", "missing"}, {"route", "discard"},
		{"inbound", "count"},
		{"store", "reset"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	envFlag := cmd.PersistentFlags().Lookup("env-file")
	require.NotNil(t, envFlag)
	assert.Equal(t, ".env", envFlag.DefValue)

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)
}

func TestLoginCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	loginCmd, _, err := cmd.Find([]string{"login"})
	require.NoError(t, err)

	for _, name := range []string{"user", "password", "force"} {
		assert.NotNil(t, loginCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "u", loginCmd.Flags().Lookup("user").Shorthand)
}

func TestInboundCountDeltaDefault(t *testing.T) {
	cmd := NewRootCommand()
	countCmd, _, err := cmd.Find([]string{"inbound", "count"})
	require.NoError(t, err)

	delta := countCmd.Flags().Lookup("delta")
	require.NotNil(t, delta)
	assert.Equal(t, "1", delta.DefValue)
}

func TestIsValidFormat(t *testing.T) {
	assert.True(t, isValidFormat("json"))
	assert.True(t, isValidFormat("text"))
	assert.False(t, isValidFormat("xml"))
}
