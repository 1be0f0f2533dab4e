package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smallbiznis/payrail/internal/fee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewFeeScheduleHolder_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fees.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
fees:
  defaultCurrency: usd
  crossBorderBps: 200
  purposeRatesBps:
    personal: 900
  currencies:
    USD:
      minRateBps: 300
      absoluteCapCents: 40000
      floorCents: 30
`), 0o600))

	holder, err := NewFeeScheduleHolder(Config{FeesConfig: path}, zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, "USD", got.DefaultCurrency)
	assert.Equal(t, int64(200), got.CrossBorderBps)
	assert.Equal(t, int64(900), got.PurposeRatesBps["personal"])
	assert.Equal(t, int64(40000), got.Currencies["USD"].AbsoluteCapCents)
	assert.Equal(t, int64(2), got.MicroMultiple)
}

func TestNewFeeScheduleHolder_RejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fees.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
fees:
  defaultCurrency: EUR
  currencies:
    USD:
      minRateBps: 300
`), 0o600))

	_, err := NewFeeScheduleHolder(Config{FeesConfig: path}, zap.NewNop())
	require.Error(t, err)
}

func TestNewStaticFeeSchedule(t *testing.T) {
	holder := NewStaticFeeSchedule(fee.DefaultSchedule())
	assert.Equal(t, int64(800), holder.Get().PurposeRatesBps["service"])
}

func TestGetenvDurations(t *testing.T) {
	t.Setenv("BILLING_RETRY_BACKOFF", "1h, 2h")
	got := getenvDurations("BILLING_RETRY_BACKOFF", nil)
	require.Len(t, got, 2)
	assert.Equal(t, "1h0m0s", got[0].String())

	t.Setenv("BILLING_RETRY_BACKOFF", "soon")
	assert.Nil(t, getenvDurations("BILLING_RETRY_BACKOFF", nil))
}
