package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

func TestBuildOverride(t *testing.T) {
	o, err := buildOverride("active", "annual", "2027-01-01T00:00:00+09:00", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, o.Status)
	require.NotNil(t, o.Plan)
	assert.Equal(t, plans.Annual, *o.Plan)
	require.NotNil(t, o.PeriodEnd)
	assert.True(t, o.PeriodEnd.Equal(time.Date(2026, 12, 31, 15, 0, 0, 0, time.UTC)))
	assert.True(t, o.ClearCoupon)

	o, err = buildOverride("lifetime", "", "", false)
	require.NoError(t, err)
	assert.Nil(t, o.Plan)
	assert.Nil(t, o.PeriodEnd)
}

func TestBuildOverrideRejectsBadInput(t *testing.T) {
	_, err := buildOverride("paused", "", "", false)
	assert.Error(t, err)

	_, err = buildOverride("active", "platinum", "", false)
	assert.Error(t, err)

	_, err = buildOverride("active", "", "tomorrow", false)
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"migrate", "up"},
		{"migrate", "force"},
		{"migrate", "fix"},
		{"migrate", "status"},
		{"events", "cleanup"},
		{"account", "show"},
		{"account", "override"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestInvalidArgumentsFailBeforeConnecting(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cases := [][]string{
		{"migrate", "force", "abc"},
		{"migrate", "force"},
		{"account", "override", "U1", "--status", "paused"},
		{"account", "override", "U1"},
		{"events", "cleanup", "--older-than=-1h"},
	}
	for _, args := range cases {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(args)
		err := rootCmd.Execute()
		require.Error(t, err, args)
		assert.NotContains(t, err.Error(), "DATABASE_URL", args)
	}
}
