package threat

import (
	"sort"
	"strings"
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
)

// eventsOfType filters events down to the given types, preserving order.
func eventsOfType(events []*audit.SecurityEvent, types ...audit.EventType) []*audit.SecurityEvent {
	var out []*audit.SecurityEvent
	for _, e := range events {
		for _, t := range types {
			if e.EventType == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// sortByTime orders events ascending by timestamp. The window from the
// context is already chronological when it comes from the store, but rules
// sort anyway because callers may hand in unordered slices.
func sortByTime(events []*audit.SecurityEvent) []*audit.SecurityEvent {
	sorted := make([]*audit.SecurityEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}

// sameTarget reports whether two events concern the same login target.
// Precedence: user_id, then email, then ip_address. The reference event
// decides which field correlates.
func sameTarget(ref, other *audit.SecurityEvent) bool {
	switch {
	case ref.UserID != "":
		return other.UserID == ref.UserID
	case ref.EmailKey() != "":
		return other.EmailKey() == ref.EmailKey()
	case ref.IPAddress != "":
		return other.IPAddress == ref.IPAddress
	}
	return false
}

// targetKey names the correlation target of an event for evidence output.
func targetKey(e *audit.SecurityEvent) string {
	switch {
	case e.UserID != "":
		return e.UserID
	case e.EmailKey() != "":
		return e.EmailKey()
	case e.IPAddress != "":
		return e.IPAddress
	}
	return ""
}

// distinctIPs counts unique non-empty IP addresses.
func distinctIPs(events []*audit.SecurityEvent) []string {
	return distinctValues(events, func(e *audit.SecurityEvent) string { return e.IPAddress })
}

// distinctUserAgents counts unique non-empty user agents.
func distinctUserAgents(events []*audit.SecurityEvent) []string {
	return distinctValues(events, func(e *audit.SecurityEvent) string { return e.UserAgent })
}

func distinctValues(events []*audit.SecurityEvent, key func(*audit.SecurityEvent) string) []string {
	seen := make(map[string]struct{})
	var values []string
	for _, e := range events {
		v := key(e)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return values
}

// avgIntervalBelow reports whether the average gap between consecutive
// events is below the threshold. Needs at least two events.
func avgIntervalBelow(events []*audit.SecurityEvent, threshold time.Duration) bool {
	if len(events) < 2 {
		return false
	}
	sorted := sortByTime(events)
	total := sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp)
	avg := total / time.Duration(len(sorted)-1)
	return avg < threshold
}

// ipWhitelisted matches an IP against a whitelist of exact addresses and
// prefix ranges (entries ending in "." or "*").
func ipWhitelisted(ip string, whitelist []string) bool {
	if ip == "" {
		return false
	}
	for _, entry := range whitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasSuffix(entry, "*") {
			if strings.HasPrefix(ip, strings.TrimSuffix(entry, "*")) {
				return true
			}
			continue
		}
		if strings.HasSuffix(entry, ".") {
			if strings.HasPrefix(ip, entry) {
				return true
			}
			continue
		}
		if ip == entry {
			return true
		}
	}
	return false
}

// eventCountry reads the conventional country metadata key.
func eventCountry(e *audit.SecurityEvent) string {
	return e.Metadata.GetString(audit.MetaKeyCountry)
}
