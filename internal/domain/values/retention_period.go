package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// RetentionPeriod represents how long security log entries stay hot before
// archival and cleanup, in whole days.
type RetentionPeriod struct {
	days int
}

const (
	// Minimum retention in days. Cleanup refuses shorter horizons so a
	// misconfigured job cannot wipe a fresh log.
	MinRetentionDays = 1
	// Maximum retention in days (~100 years).
	MaxRetentionDays = 36500
	// DefaultRetentionDays is the standard hot-storage horizon.
	DefaultRetentionDays = 90
)

// NewRetentionPeriod creates a RetentionPeriod with validation.
func NewRetentionPeriod(days int) (RetentionPeriod, error) {
	if days < MinRetentionDays {
		return RetentionPeriod{}, errors.NewValidationError("RETENTION_TOO_SHORT",
			fmt.Sprintf("retention period must be at least %d day(s)", MinRetentionDays))
	}
	if days > MaxRetentionDays {
		return RetentionPeriod{}, errors.NewValidationError("RETENTION_TOO_LONG",
			fmt.Sprintf("retention period cannot exceed %d days", MaxRetentionDays))
	}
	return RetentionPeriod{days: days}, nil
}

// DefaultRetentionPeriod returns the standard horizon.
func DefaultRetentionPeriod() RetentionPeriod {
	return RetentionPeriod{days: DefaultRetentionDays}
}

// MustNewRetentionPeriod creates a RetentionPeriod and panics on error.
func MustNewRetentionPeriod(days int) RetentionPeriod {
	rp, err := NewRetentionPeriod(days)
	if err != nil {
		panic(err)
	}
	return rp
}

// Days returns the retention horizon in days.
func (rp RetentionPeriod) Days() int {
	return rp.days
}

// Duration returns the horizon as a time.Duration.
func (rp RetentionPeriod) Duration() time.Duration {
	return time.Duration(rp.days) * 24 * time.Hour
}

// Cutoff returns the instant before which entries are eligible for archival
// and cleanup, relative to now.
func (rp RetentionPeriod) Cutoff(now time.Time) time.Time {
	return now.UTC().Add(-rp.Duration())
}

// IsZero reports whether the period is uninitialized.
func (rp RetentionPeriod) IsZero() bool {
	return rp.days == 0
}

// Equal compares two retention periods.
func (rp RetentionPeriod) Equal(other RetentionPeriod) bool {
	return rp.days == other.days
}

// String returns a human-readable representation.
func (rp RetentionPeriod) String() string {
	return fmt.Sprintf("%dd", rp.days)
}

// MarshalJSON implements JSON marshaling as the day count.
func (rp RetentionPeriod) MarshalJSON() ([]byte, error) {
	return json.Marshal(rp.days)
}

// UnmarshalJSON implements JSON unmarshaling.
func (rp *RetentionPeriod) UnmarshalJSON(data []byte) error {
	var days int
	if err := json.Unmarshal(data, &days); err != nil {
		return err
	}

	parsed, err := NewRetentionPeriod(days)
	if err != nil {
		return err
	}

	*rp = parsed
	return nil
}

// Value implements driver.Valuer for database storage.
func (rp RetentionPeriod) Value() (driver.Value, error) {
	if rp.IsZero() {
		return nil, nil
	}
	return int64(rp.days), nil
}

// Scan implements sql.Scanner for database retrieval.
func (rp *RetentionPeriod) Scan(value interface{}) error {
	if value == nil {
		*rp = RetentionPeriod{}
		return nil
	}

	var days int
	switch v := value.(type) {
	case int64:
		days = int(v)
	case int:
		days = v
	default:
		return fmt.Errorf("cannot scan %T into RetentionPeriod", value)
	}

	parsed, err := NewRetentionPeriod(days)
	if err != nil {
		return err
	}

	*rp = parsed
	return nil
}
