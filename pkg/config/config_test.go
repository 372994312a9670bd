package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://mps@localhost:5432/mps?sslmode=disable")
	t.Setenv("AUTH_SIGNING_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", c.ListenAddr)
	require.Equal(t, 5, c.ParallelDownloadDefault)
	require.Equal(t, 30*time.Minute, c.ImportWallClockMax)
	require.Equal(t, 30*time.Second, c.MembershipCacheTTL)
	require.Contains(t, c.GatewayBRegions, "AR")

	min, err := c.MinWithdrawal()
	require.NoError(t, err)
	require.Equal(t, "10", min.String())

	rate, err := c.Commission()
	require.NoError(t, err)
	require.Equal(t, "0.2", rate.String())
}

func TestLoadMissingDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AUTH_SIGNING_SECRET", "x")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadCommission(t *testing.T) {
	setRequired(t)
	t.Setenv("COMMISSION_RATE", "1.5")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadParallelism(t *testing.T) {
	setRequired(t)
	t.Setenv("PARALLEL_DOWNLOAD_DEFAULT", "0")
	_, err := Load()
	require.Error(t, err)
}
