package values

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRetentionPeriod(t *testing.T) {
	rp, err := NewRetentionPeriod(90)
	require.NoError(t, err)
	assert.Equal(t, 90, rp.Days())
	assert.Equal(t, 90*24*time.Hour, rp.Duration())

	_, err = NewRetentionPeriod(0)
	assert.Error(t, err)

	_, err = NewRetentionPeriod(MaxRetentionDays + 1)
	assert.Error(t, err)
}

func TestRetentionPeriodCutoff(t *testing.T) {
	rp := DefaultRetentionPeriod()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	cutoff := rp.Cutoff(now)
	assert.Equal(t, now.AddDate(0, 0, -DefaultRetentionDays), cutoff)
}

func TestRetentionPeriodJSON(t *testing.T) {
	rp := MustNewRetentionPeriod(30)

	data, err := json.Marshal(rp)
	require.NoError(t, err)
	assert.Equal(t, "30", string(data))

	var decoded RetentionPeriod
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, rp.Equal(decoded))

	assert.Error(t, json.Unmarshal([]byte("0"), &decoded))
}

func TestRetentionPeriodScan(t *testing.T) {
	var rp RetentionPeriod
	require.NoError(t, rp.Scan(int64(45)))
	assert.Equal(t, 45, rp.Days())

	require.NoError(t, rp.Scan(nil))
	assert.True(t, rp.IsZero())
}
