package values

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// HashValue represents a SHA-256 hash in lowercase hex encoding
type HashValue struct {
	hash string
}

var sha256HexRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// NewHashValue creates a HashValue from a hex string with validation
func NewHashValue(hash string) (HashValue, error) {
	if hash == "" {
		return HashValue{}, errors.NewValidationError("EMPTY_HASH",
			"hash value cannot be empty")
	}

	normalized := strings.ToLower(strings.TrimSpace(hash))
	if !sha256HexRegex.MatchString(normalized) {
		return HashValue{}, errors.NewValidationError("INVALID_HASH_FORMAT",
			"hash must be a 64-character hexadecimal string")
	}

	return HashValue{hash: normalized}, nil
}

// NewHashValueFromBytes creates a HashValue from raw SHA-256 output
func NewHashValueFromBytes(data []byte) (HashValue, error) {
	if len(data) != sha256.Size {
		return HashValue{}, errors.NewValidationError("INVALID_HASH_LENGTH",
			fmt.Sprintf("hash must be %d bytes, got %d", sha256.Size, len(data)))
	}
	return HashValue{hash: hex.EncodeToString(data)}, nil
}

// ComputeHashValue hashes the given data with SHA-256
func ComputeHashValue(data []byte) HashValue {
	sum := sha256.Sum256(data)
	return HashValue{hash: hex.EncodeToString(sum[:])}
}

// MustNewHashValue creates a HashValue and panics on error (for constants/tests)
func MustNewHashValue(hash string) HashValue {
	h, err := NewHashValue(hash)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the lowercase hex encoding
func (h HashValue) String() string {
	return h.hash
}

// Bytes returns the raw hash bytes
func (h HashValue) Bytes() ([]byte, error) {
	if h.IsEmpty() {
		return nil, errors.NewValidationError("EMPTY_HASH", "hash value is empty")
	}
	return hex.DecodeString(h.hash)
}

// IsEmpty checks whether this is the zero value
func (h HashValue) IsEmpty() bool {
	return h.hash == ""
}

// Equal compares two hash values
func (h HashValue) Equal(other HashValue) bool {
	return h.hash == other.hash
}

// Verify checks whether this hash matches the SHA-256 of the given data
func (h HashValue) Verify(data []byte) bool {
	if h.IsEmpty() {
		return false
	}
	return ComputeHashValue(data).Equal(h)
}

// Truncate returns the first n hex characters for compact display
func (h HashValue) Truncate(n int) string {
	if n <= 0 || n >= len(h.hash) {
		return h.hash
	}
	return h.hash[:n]
}

// MarshalJSON implements JSON marshaling
func (h HashValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.hash)
}

// UnmarshalJSON implements JSON unmarshaling
func (h *HashValue) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	if str == "" {
		*h = HashValue{}
		return nil
	}

	parsed, err := NewHashValue(str)
	if err != nil {
		return err
	}

	*h = parsed
	return nil
}

// Value implements driver.Valuer for database storage
func (h HashValue) Value() (driver.Value, error) {
	if h.IsEmpty() {
		return nil, nil
	}
	return h.hash, nil
}

// Scan implements sql.Scanner for database retrieval
func (h *HashValue) Scan(value interface{}) error {
	if value == nil {
		*h = HashValue{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into HashValue", value)
	}

	if str == "" {
		*h = HashValue{}
		return nil
	}

	parsed, err := NewHashValue(str)
	if err != nil {
		return err
	}

	*h = parsed
	return nil
}

// IsValidHashString reports whether a string is a well-formed SHA-256 hex hash
func IsValidHashString(hash string) bool {
	return sha256HexRegex.MatchString(hash)
}
