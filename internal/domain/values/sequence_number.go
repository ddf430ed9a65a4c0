package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// SequenceNumber represents a monotonic, gap-free position in the security log
type SequenceNumber struct {
	value uint64
}

const (
	// Maximum sequence number value (2^63 - 1 for safe database storage)
	MaxSequenceNumber = uint64(9223372036854775807)
	// Minimum sequence number value
	MinSequenceNumber = uint64(1)
)

// NewSequenceNumber creates a new SequenceNumber value object with validation
func NewSequenceNumber(value uint64) (SequenceNumber, error) {
	if value == 0 {
		return SequenceNumber{}, errors.NewValidationError("ZERO_SEQUENCE",
			"sequence number cannot be zero")
	}

	if value > MaxSequenceNumber {
		return SequenceNumber{}, errors.NewValidationError("SEQUENCE_TOO_LARGE",
			fmt.Sprintf("sequence number %d exceeds maximum %d", value, MaxSequenceNumber))
	}

	return SequenceNumber{value: value}, nil
}

// NewSequenceNumberFromString parses the decimal string encoding used in
// archives, where uint64 values travel as strings to survive JSON readers
// with 53-bit integers.
func NewSequenceNumberFromString(value string) (SequenceNumber, error) {
	if value == "" {
		return SequenceNumber{}, errors.NewValidationError("EMPTY_SEQUENCE",
			"sequence number string cannot be empty")
	}

	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return SequenceNumber{}, errors.NewValidationError("INVALID_SEQUENCE_FORMAT",
			"sequence number must be a valid positive integer").WithCause(err)
	}

	return NewSequenceNumber(parsed)
}

// MustNewSequenceNumber creates SequenceNumber and panics on error (for constants/tests)
func MustNewSequenceNumber(value uint64) SequenceNumber {
	seq, err := NewSequenceNumber(value)
	if err != nil {
		panic(err)
	}
	return seq
}

// FirstSequenceNumber returns the first sequence number (1)
func FirstSequenceNumber() SequenceNumber {
	return MustNewSequenceNumber(MinSequenceNumber)
}

// Value returns the sequence number value
func (s SequenceNumber) Value() uint64 {
	return s.value
}

// String returns the decimal string representation
func (s SequenceNumber) String() string {
	return strconv.FormatUint(s.value, 10)
}

// IsZero checks if the sequence number is zero (invalid state)
func (s SequenceNumber) IsZero() bool {
	return s.value == 0
}

// IsFirst checks if this is the first sequence number
func (s SequenceNumber) IsFirst() bool {
	return s.value == MinSequenceNumber
}

// Equal checks if two SequenceNumber values are equal
func (s SequenceNumber) Equal(other SequenceNumber) bool {
	return s.value == other.value
}

// Compare returns -1, 0, or 1 based on comparison with other SequenceNumber
func (s SequenceNumber) Compare(other SequenceNumber) int {
	if s.value < other.value {
		return -1
	}
	if s.value > other.value {
		return 1
	}
	return 0
}

// LessThan checks if this sequence number is less than other
func (s SequenceNumber) LessThan(other SequenceNumber) bool {
	return s.value < other.value
}

// GreaterThan checks if this sequence number is greater than other
func (s SequenceNumber) GreaterThan(other SequenceNumber) bool {
	return s.value > other.value
}

// Next returns the next sequence number
func (s SequenceNumber) Next() (SequenceNumber, error) {
	if s.value >= MaxSequenceNumber {
		return SequenceNumber{}, errors.NewValidationError("SEQUENCE_OVERFLOW",
			"sequence number would overflow maximum value")
	}

	return SequenceNumber{value: s.value + 1}, nil
}

// Distance calculates the distance between two sequence numbers
func (s SequenceNumber) Distance(other SequenceNumber) uint64 {
	if s.value >= other.value {
		return s.value - other.value
	}
	return other.value - s.value
}

// MarshalJSON implements JSON marshaling
func (s SequenceNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value)
}

// UnmarshalJSON implements JSON unmarshaling
func (s *SequenceNumber) UnmarshalJSON(data []byte) error {
	var value uint64
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}

	seq, err := NewSequenceNumber(value)
	if err != nil {
		return err
	}

	*s = seq
	return nil
}

// DatabaseValue implements driver.Valuer for database storage
func (s SequenceNumber) DatabaseValue() (driver.Value, error) {
	if s.value == 0 {
		return nil, nil
	}
	return int64(s.value), nil
}

// Scan implements sql.Scanner for database retrieval
func (s *SequenceNumber) Scan(value interface{}) error {
	if value == nil {
		*s = SequenceNumber{}
		return nil
	}

	var val uint64
	switch v := value.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("sequence number cannot be negative: %d", v)
		}
		val = uint64(v)
	case uint64:
		val = v
	case int:
		if v < 0 {
			return fmt.Errorf("sequence number cannot be negative: %d", v)
		}
		val = uint64(v)
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot parse sequence number string '%s': %w", v, err)
		}
		val = parsed
	default:
		return fmt.Errorf("cannot scan %T into SequenceNumber", value)
	}

	if val == 0 {
		*s = SequenceNumber{}
		return nil
	}

	seq, err := NewSequenceNumber(val)
	if err != nil {
		return err
	}

	*s = seq
	return nil
}

// SequenceRange represents an inclusive range of sequence numbers
type SequenceRange struct {
	Start SequenceNumber
	End   SequenceNumber
}

// NewSequenceRange creates a new sequence range
func NewSequenceRange(start, end SequenceNumber) (*SequenceRange, error) {
	if start.IsZero() || end.IsZero() {
		return nil, errors.NewValidationError("INVALID_RANGE",
			"range boundaries cannot be zero")
	}

	if start.GreaterThan(end) {
		return nil, errors.NewValidationError("INVALID_RANGE",
			"start sequence must be less than or equal to end sequence")
	}

	return &SequenceRange{
		Start: start,
		End:   end,
	}, nil
}

// Contains checks if the range contains the given sequence number
func (sr *SequenceRange) Contains(seq SequenceNumber) bool {
	return !seq.LessThan(sr.Start) && !seq.GreaterThan(sr.End)
}

// Size returns the number of sequence numbers in the range
func (sr *SequenceRange) Size() uint64 {
	return sr.End.value - sr.Start.value + 1
}

// Chunks splits the range into consecutive sub-ranges of at most chunkSize,
// in ascending order. Verification walks the chain batch by batch.
func (sr *SequenceRange) Chunks(chunkSize uint64) []SequenceRange {
	if chunkSize == 0 {
		return []SequenceRange{*sr}
	}

	var chunks []SequenceRange
	for start := sr.Start.value; start <= sr.End.value; start += chunkSize {
		end := start + chunkSize - 1
		if end > sr.End.value {
			end = sr.End.value
		}
		chunks = append(chunks, SequenceRange{
			Start: SequenceNumber{value: start},
			End:   SequenceNumber{value: end},
		})
	}
	return chunks
}

// String returns a string representation of the range
func (sr *SequenceRange) String() string {
	return fmt.Sprintf("[%s-%s]", sr.Start.String(), sr.End.String())
}
