package values

import (
	"crypto/sha256"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHashValue(t *testing.T) {
	mixed := "A3F2" + strings.Repeat("0b", 30)
	h, err := NewHashValue(mixed)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(mixed), h.String())

	for _, bad := range []string{"", "xyz", strings.Repeat("a", 63), strings.Repeat("g", 64)} {
		_, err := NewHashValue(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestComputeHashValue(t *testing.T) {
	data := []byte("chain segment")
	h := ComputeHashValue(data)

	sum := sha256.Sum256(data)
	fromBytes, err := NewHashValueFromBytes(sum[:])
	require.NoError(t, err)

	assert.True(t, h.Equal(fromBytes))
	assert.True(t, h.Verify(data))
	assert.False(t, h.Verify([]byte("tampered")))
}

func TestHashValueBytesRoundTrip(t *testing.T) {
	h := ComputeHashValue([]byte("x"))
	raw, err := h.Bytes()
	require.NoError(t, err)
	assert.Len(t, raw, sha256.Size)

	back, err := NewHashValueFromBytes(raw)
	require.NoError(t, err)
	assert.True(t, h.Equal(back))
}

func TestHashValueJSON(t *testing.T) {
	h := ComputeHashValue([]byte("payload"))

	data, err := json.Marshal(h)
	require.NoError(t, err)

	var decoded HashValue
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, h.Equal(decoded))

	var empty HashValue
	require.NoError(t, json.Unmarshal([]byte(`""`), &empty))
	assert.True(t, empty.IsEmpty())
}

func TestHashValueScan(t *testing.T) {
	want := ComputeHashValue([]byte("db"))

	var h HashValue
	require.NoError(t, h.Scan(want.String()))
	assert.True(t, h.Equal(want))

	require.NoError(t, h.Scan(nil))
	assert.True(t, h.IsEmpty())

	assert.Error(t, h.Scan(123))
}

func TestHashValueTruncate(t *testing.T) {
	h := ComputeHashValue([]byte("display"))
	assert.Len(t, h.Truncate(8), 8)
	assert.Equal(t, h.String()[:8], h.Truncate(8))
	assert.Equal(t, h.String(), h.Truncate(0))
}

func TestIsValidHashString(t *testing.T) {
	assert.True(t, IsValidHashString(ComputeHashValue([]byte("v")).String()))
	assert.False(t, IsValidHashString("short"))
}
