package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCLI_RegistersCommands(t *testing.T) {
	cli := NewCLI()
	require.NotNil(t, cli.cmd)

	for _, name := range []string{"start", "workers", "reconcile", "migrate", "config"} {
		cmd, _, err := cli.cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	flag := cli.cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "./payouts.json", flag.DefValue)

	configCmd, _, err := cli.cmd.Find([]string{"config"})
	require.NoError(t, err)
	assert.NotNil(t, configCmd.Flags().Lookup("show-secrets"))
}

func TestPayoutsInstance_CloseRunsInReverse(t *testing.T) {
	var order []string
	app := &payoutsInstance{closers: []func() error{
		func() error { order = append(order, "datasource"); return nil },
		func() error { order = append(order, "redis"); return errors.New("already closed") },
		func() error { order = append(order, "nats"); return nil },
	}}

	app.close()
	assert.Equal(t, []string{"nats", "redis", "datasource"}, order)
}
