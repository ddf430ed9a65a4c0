package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// BreakType categorizes a detected chain violation.
type BreakType string

const (
	BreakTypeHashMismatch BreakType = "hash_mismatch"
	BreakTypeLinkMismatch BreakType = "link_mismatch"
	BreakTypeSequenceGap  BreakType = "sequence_gap"
	BreakTypeBadGenesis   BreakType = "bad_genesis"
)

func (bt BreakType) String() string {
	return string(bt)
}

// ChainVerificationResult reports the outcome of a chain walk. Verification
// stops at the first violation; BrokenAtIndex is -1 when the chain is intact.
type ChainVerificationResult struct {
	Valid            bool          `json:"valid"`
	EntriesVerified  int           `json:"entries_verified"`
	StartSequence    uint64        `json:"start_sequence,omitempty"`
	EndSequence      uint64        `json:"end_sequence,omitempty"`
	BrokenAtIndex    int           `json:"broken_at_index"`
	BrokenAtSeq      uint64        `json:"broken_at_seq,omitempty"`
	BreakType        BreakType     `json:"break_type,omitempty"`
	Error            string        `json:"error,omitempty"`
	VerificationTime time.Duration `json:"verification_time"`
}

// Err converts a failed result into the CHAIN_BROKEN application error.
func (r *ChainVerificationResult) Err() error {
	if r.Valid {
		return nil
	}
	return errors.NewChainBrokenError(r.Error, r.BrokenAtSeq)
}

// VerifyChain walks entries in sequence order and checks, per entry:
// genesis previous-hash emptiness, sequence contiguity, linkage to the
// predecessor's hash, and the recomputed entry hash. It returns on the first
// violation. A window starting past sequence 1 is verified from its first
// entry onward; linkage of that entry to its out-of-window predecessor is the
// caller's concern.
func VerifyChain(entries []*LogEntry) (*ChainVerificationResult, error) {
	startTime := time.Now()

	result := &ChainVerificationResult{
		Valid:         true,
		BrokenAtIndex: -1,
	}

	if len(entries) == 0 {
		result.VerificationTime = time.Since(startTime)
		return result, nil
	}

	sorted := make([]*LogEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SequenceNumber < sorted[j].SequenceNumber
	})

	result.StartSequence = sorted[0].SequenceNumber
	result.EndSequence = sorted[len(sorted)-1].SequenceNumber

	fail := func(idx int, seq uint64, breakType BreakType, msg string) (*ChainVerificationResult, error) {
		result.Valid = false
		result.BrokenAtIndex = idx
		result.BrokenAtSeq = seq
		result.BreakType = breakType
		result.Error = msg
		result.VerificationTime = time.Since(startTime)
		return result, nil
	}

	for i, entry := range sorted {
		result.EntriesVerified++

		if entry.SequenceNumber == 1 && entry.PreviousHash != "" {
			return fail(i, entry.SequenceNumber, BreakTypeBadGenesis,
				"First entry carries a previous hash")
		}

		if i > 0 {
			expected := sorted[i-1].SequenceNumber + 1
			if entry.SequenceNumber != expected {
				return fail(i, entry.SequenceNumber, BreakTypeSequenceGap,
					fmt.Sprintf("Sequence gap: expected %d, got %d", expected, entry.SequenceNumber))
			}

			if entry.PreviousHash != sorted[i-1].CurrentHash {
				return fail(i, entry.SequenceNumber, BreakTypeLinkMismatch,
					fmt.Sprintf("Chain link mismatch at sequence %d", entry.SequenceNumber))
			}
		}

		valid, err := entry.VerifyHash()
		if err != nil {
			return nil, errors.NewInternalError("failed to recompute entry hash").WithCause(err)
		}
		if !valid {
			return fail(i, entry.SequenceNumber, BreakTypeHashMismatch,
				fmt.Sprintf("Hash mismatch at sequence %d", entry.SequenceNumber))
		}
	}

	result.VerificationTime = time.Since(startTime)
	return result, nil
}

// VerifyLink checks that entry continues the chain from its predecessor.
func VerifyLink(prev, entry *LogEntry) (*ChainVerificationResult, error) {
	if prev == nil {
		return VerifyChain([]*LogEntry{entry})
	}
	return VerifyChain([]*LogEntry{prev, entry})
}

// MerkleRoot folds hashes pairwise with SHA-256 until one root remains. An
// odd terminal hash is paired with itself. Empty input yields the empty
// string; a single hash is its own root.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}

	level := make([]string, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			sum := sha256.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}

	return level[0]
}

// ChainCheckpoint pins a verified chain position: the last sequence and hash
// plus the Merkle root over every hash up to it. Later verifications resume
// from the checkpoint instead of replaying the whole chain.
type ChainCheckpoint struct {
	SequenceNumber uint64    `json:"sequence_number"`
	Hash           string    `json:"hash"`
	MerkleRoot     string    `json:"merkle_root"`
	Timestamp      time.Time `json:"timestamp"`
	EntryCount     int       `json:"entry_count"`
}

// Checkpoint summarizes entries into a checkpoint over their hashes.
func Checkpoint(entries []*LogEntry) (*ChainCheckpoint, error) {
	if len(entries) == 0 {
		return nil, errors.NewValidationError("EMPTY_CHECKPOINT",
			"cannot checkpoint an empty chain segment")
	}

	sorted := make([]*LogEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SequenceNumber < sorted[j].SequenceNumber
	})

	hashes := make([]string, len(sorted))
	for i, entry := range sorted {
		hashes[i] = entry.CurrentHash
	}

	last := sorted[len(sorted)-1]
	return &ChainCheckpoint{
		SequenceNumber: last.SequenceNumber,
		Hash:           last.CurrentHash,
		MerkleRoot:     MerkleRoot(hashes),
		Timestamp:      time.Now().UTC(),
		EntryCount:     len(sorted),
	}, nil
}
