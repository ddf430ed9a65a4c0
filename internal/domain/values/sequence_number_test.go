package values

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSequenceNumber(t *testing.T) {
	seq, err := NewSequenceNumber(42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq.Value())
	assert.Equal(t, "42", seq.String())

	_, err = NewSequenceNumber(0)
	assert.Error(t, err)
}

func TestSequenceNumberFromString(t *testing.T) {
	seq, err := NewSequenceNumberFromString("9007199254740993")
	require.NoError(t, err)
	assert.Equal(t, uint64(9007199254740993), seq.Value())

	for _, bad := range []string{"", "abc", "-1", "1.5"} {
		_, err := NewSequenceNumberFromString(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestSequenceNumberOrdering(t *testing.T) {
	first := FirstSequenceNumber()
	assert.True(t, first.IsFirst())

	next, err := first.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Value())
	assert.True(t, first.LessThan(next))
	assert.True(t, next.GreaterThan(first))
	assert.Equal(t, -1, first.Compare(next))
	assert.Equal(t, uint64(1), first.Distance(next))
}

func TestSequenceNumberJSONRoundTrip(t *testing.T) {
	seq := MustNewSequenceNumber(1234)

	data, err := json.Marshal(seq)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(data))

	var decoded SequenceNumber
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, seq.Equal(decoded))
}

func TestSequenceNumberScan(t *testing.T) {
	var seq SequenceNumber
	require.NoError(t, seq.Scan(int64(77)))
	assert.Equal(t, uint64(77), seq.Value())

	require.NoError(t, seq.Scan(nil))
	assert.True(t, seq.IsZero())

	assert.Error(t, seq.Scan(int64(-5)))
	assert.Error(t, seq.Scan(3.14))
}

func TestSequenceRangeChunks(t *testing.T) {
	r, err := NewSequenceRange(MustNewSequenceNumber(1), MustNewSequenceNumber(2500))
	require.NoError(t, err)
	assert.Equal(t, uint64(2500), r.Size())

	chunks := r.Chunks(1000)
	require.Len(t, chunks, 3)
	assert.Equal(t, uint64(1), chunks[0].Start.Value())
	assert.Equal(t, uint64(1000), chunks[0].End.Value())
	assert.Equal(t, uint64(1001), chunks[1].Start.Value())
	assert.Equal(t, uint64(2000), chunks[1].End.Value())
	assert.Equal(t, uint64(2001), chunks[2].Start.Value())
	assert.Equal(t, uint64(2500), chunks[2].End.Value())

	assert.True(t, r.Contains(MustNewSequenceNumber(1)))
	assert.True(t, r.Contains(MustNewSequenceNumber(2500)))
	assert.False(t, r.Contains(MustNewSequenceNumber(2501)))
}

func TestSequenceRangeValidation(t *testing.T) {
	_, err := NewSequenceRange(MustNewSequenceNumber(10), MustNewSequenceNumber(5))
	assert.Error(t, err)

	_, err = NewSequenceRange(SequenceNumber{}, MustNewSequenceNumber(5))
	assert.Error(t, err)
}
