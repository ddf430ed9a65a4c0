package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, n int) []*LogEntry {
	t.Helper()

	entries := make([]*LogEntry, 0, n)
	prevHash := ""
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= n; i++ {
		event := &SecurityEvent{
			EventType: EventLoginFailed,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			UserID:    fmt.Sprintf("user-%d", i%5),
			IPAddress: "192.168.1.10",
			Severity:  SeverityInfo,
			Metadata:  Metadata{"attempt": i},
		}
		event.Normalize()

		entry, err := BuildEntry(event, uint64(i), prevHash, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)

		entries = append(entries, entry)
		prevHash = entry.CurrentHash
	}

	return entries
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestCanonicalString(t *testing.T) {
	createdAt := time.Date(2026, 1, 2, 3, 4, 5, int(123*time.Millisecond), time.UTC)
	prev := strings.Repeat("ab", 32)

	entry := &LogEntry{
		SequenceNumber: 7,
		EventType:      EventLoginFailed,
		Severity:       SeverityHigh,
		UserID:         "u-1",
		IPAddress:      "10.0.0.1",
		UserAgent:      "curl/8",
		SessionID:      "s-1",
		Metadata:       Metadata{"b": 2, "a": "x"},
		Message:        "failed login",
		CreatedAt:      createdAt,
		PreviousHash:   prev,
	}

	canonical, err := entry.CanonicalString()
	require.NoError(t, err)

	want := `7|LOGIN_FAILED|HIGH|u-1|10.0.0.1|curl/8|s-1|{"a":"x","b":2}|failed login|2026-01-02T03:04:05.123Z|` + prev
	assert.Equal(t, want, canonical)

	hash, err := entry.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(want), hash)
}

func TestCanonicalString_MissingFieldsAreEmpty(t *testing.T) {
	entry := &LogEntry{
		SequenceNumber: 1,
		EventType:      EventLogout,
		Severity:       SeverityInfo,
		CreatedAt:      time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC),
	}

	canonical, err := entry.CanonicalString()
	require.NoError(t, err)

	assert.Equal(t, `1|LOGOUT|INFO|||||{}||2026-05-05T00:00:00.000Z|`, canonical)
}

func TestBuildEntry_GenesisRules(t *testing.T) {
	event := &SecurityEvent{EventType: EventLoginSuccess, Severity: SeverityInfo}
	event.Normalize()
	now := time.Now().UTC()

	t.Run("first entry has no previous hash", func(t *testing.T) {
		entry, err := BuildEntry(event, 1, "", now)
		require.NoError(t, err)
		assert.Empty(t, entry.PreviousHash)
		assert.Len(t, entry.CurrentHash, 64)
	})

	t.Run("first entry rejects previous hash", func(t *testing.T) {
		_, err := BuildEntry(event, 1, sha256Hex("x"), now)
		assert.Error(t, err)
	})

	t.Run("later entry requires previous hash", func(t *testing.T) {
		_, err := BuildEntry(event, 2, "", now)
		assert.Error(t, err)
	})

	t.Run("sequence zero rejected", func(t *testing.T) {
		_, err := BuildEntry(event, 0, "", now)
		assert.Error(t, err)
	})
}

func TestVerifyChain_Intact(t *testing.T) {
	entries := buildChain(t, 25)

	result, err := VerifyChain(entries)
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, 25, result.EntriesVerified)
	assert.Equal(t, -1, result.BrokenAtIndex)
	assert.Equal(t, uint64(1), result.StartSequence)
	assert.Equal(t, uint64(25), result.EndSequence)
	assert.NoError(t, result.Err())
}

func TestVerifyChain_Empty(t *testing.T) {
	result, err := VerifyChain(nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 0, result.EntriesVerified)
}

func TestVerifyChain_TamperedMetadata(t *testing.T) {
	entries := buildChain(t, 100)

	// Mutate a mid-chain entry without recomputing its hash.
	entries[41].Metadata["attempt"] = 9999

	result, err := VerifyChain(entries)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, uint64(42), result.BrokenAtSeq)
	assert.Equal(t, 41, result.BrokenAtIndex)
	assert.Equal(t, BreakTypeHashMismatch, result.BreakType)
	assert.Equal(t, "Hash mismatch at sequence 42", result.Error)

	verr := result.Err()
	require.Error(t, verr)
	assert.Contains(t, verr.Error(), "Hash mismatch at sequence 42")
}

func TestVerifyChain_LinkMismatch(t *testing.T) {
	entries := buildChain(t, 10)

	// Re-link entry 6 to a forged predecessor hash and recompute its own
	// hash so only the linkage check can catch it.
	entries[5].PreviousHash = sha256Hex("forged")
	hash, err := entries[5].ComputeHash()
	require.NoError(t, err)
	entries[5].CurrentHash = hash

	result, err := VerifyChain(entries)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, uint64(6), result.BrokenAtSeq)
	assert.Equal(t, BreakTypeLinkMismatch, result.BreakType)
	assert.Equal(t, "Chain link mismatch at sequence 6", result.Error)
}

func TestVerifyChain_SequenceGap(t *testing.T) {
	entries := buildChain(t, 10)

	// Drop entry 5 from the window.
	gapped := append(entries[:4:4], entries[5:]...)

	result, err := VerifyChain(gapped)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, uint64(6), result.BrokenAtSeq)
	assert.Equal(t, BreakTypeSequenceGap, result.BreakType)
	assert.Equal(t, "Sequence gap: expected 5, got 6", result.Error)
}

func TestVerifyChain_BadGenesis(t *testing.T) {
	entries := buildChain(t, 3)

	// Forge a previous hash onto the first entry and recompute so the hash
	// itself is consistent.
	entries[0].PreviousHash = sha256Hex("phantom")
	hash, err := entries[0].ComputeHash()
	require.NoError(t, err)
	entries[0].CurrentHash = hash

	result, err := VerifyChain(entries)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, uint64(1), result.BrokenAtSeq)
	assert.Equal(t, BreakTypeBadGenesis, result.BreakType)
}

func TestVerifyChain_WindowStartsMidChain(t *testing.T) {
	entries := buildChain(t, 20)

	// A window not anchored at sequence 1 verifies internal consistency.
	result, err := VerifyChain(entries[9:])
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, uint64(10), result.StartSequence)
	assert.Equal(t, uint64(20), result.EndSequence)
}

func TestVerifyChain_UnsortedInput(t *testing.T) {
	entries := buildChain(t, 8)

	shuffled := []*LogEntry{entries[3], entries[0], entries[7], entries[1],
		entries[5], entries[2], entries[6], entries[4]}

	result, err := VerifyChain(shuffled)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestMerkleRoot(t *testing.T) {
	t.Run("empty yields empty string", func(t *testing.T) {
		assert.Equal(t, "", MerkleRoot(nil))
	})

	t.Run("single leaf is its own root", func(t *testing.T) {
		leaf := sha256Hex("only")
		assert.Equal(t, leaf, MerkleRoot([]string{leaf}))
	})

	t.Run("pair is hash of concatenation", func(t *testing.T) {
		a, b := sha256Hex("a"), sha256Hex("b")
		assert.Equal(t, sha256Hex(a+b), MerkleRoot([]string{a, b}))
	})

	t.Run("odd terminal leaf is duplicated", func(t *testing.T) {
		a, b, c := sha256Hex("a"), sha256Hex("b"), sha256Hex("c")
		left := sha256Hex(a + b)
		right := sha256Hex(c + c)
		assert.Equal(t, sha256Hex(left+right), MerkleRoot([]string{a, b, c}))
	})

	t.Run("deterministic", func(t *testing.T) {
		hashes := []string{sha256Hex("1"), sha256Hex("2"), sha256Hex("3"), sha256Hex("4"), sha256Hex("5")}
		assert.Equal(t, MerkleRoot(hashes), MerkleRoot(hashes))
	})

	t.Run("input slice not mutated", func(t *testing.T) {
		hashes := []string{sha256Hex("x"), sha256Hex("y"), sha256Hex("z")}
		want := make([]string, len(hashes))
		copy(want, hashes)
		MerkleRoot(hashes)
		assert.Equal(t, want, hashes)
	})
}

func TestCheckpoint(t *testing.T) {
	entries := buildChain(t, 9)

	cp, err := Checkpoint(entries)
	require.NoError(t, err)

	assert.Equal(t, uint64(9), cp.SequenceNumber)
	assert.Equal(t, entries[8].CurrentHash, cp.Hash)
	assert.Equal(t, 9, cp.EntryCount)

	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.CurrentHash
	}
	assert.Equal(t, MerkleRoot(hashes), cp.MerkleRoot)
	assert.False(t, cp.Timestamp.IsZero())
}

func TestCheckpoint_Empty(t *testing.T) {
	_, err := Checkpoint(nil)
	assert.Error(t, err)
}

func TestArchiveRecordRoundTrip(t *testing.T) {
	entries := buildChain(t, 3)
	original := entries[2]

	rec := original.ToArchiveRecord()
	assert.Equal(t, "3", rec.SequenceNumber)

	restored, err := FromArchiveRecord(rec)
	require.NoError(t, err)

	assert.Equal(t, original.SequenceNumber, restored.SequenceNumber)
	assert.Equal(t, original.CurrentHash, restored.CurrentHash)
	assert.Equal(t, original.PreviousHash, restored.PreviousHash)
	assert.True(t, original.CreatedAt.Equal(restored.CreatedAt))

	// The restored entry still verifies against its stored hash.
	ok, err := restored.VerifyHash()
	require.NoError(t, err)
	assert.True(t, ok)
}
