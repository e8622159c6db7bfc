package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmd_RegistersSubcommandsAndFlags(t *testing.T) {
	root := newRootCmd()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["sync"])
	assert.True(t, names["send"])

	for _, name := range []string{"config-dir", "dry-run", "verbose", "quiet"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(name), "missing persistent flag %q", name)
	}
}

func TestSendCmd_DisablesFlagParsingForSendmailCompat(t *testing.T) {
	root := newRootCmd()
	sendCmd, _, err := root.Find([]string{"send"})
	require.NoError(t, err)
	assert.True(t, sendCmd.DisableFlagParsing)
}
