// Package roundid models round identifiers. The canonical form is a UUID;
// historical game ids of the form "game-<unix millis>[-suffix]" or with a UUID
// embedded in a longer string are normalized here before they are stored or
// joined against round history.
package roundid

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID is a canonical round identifier.
type ID string

// Unmatched marks a legacy id that could not be normalized. It never equals a
// real round id, so joins against it fail loudly instead of silently.
const Unmatched ID = "unmatched"

const legacyPrefix = "game-"

var (
	canonicalPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	embeddedPattern  = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// New generates a fresh round id. It is the only constructor for new rounds.
func New() ID {
	return ID(uuid.NewString())
}

// Parse accepts only canonical ids.
func Parse(raw string) (ID, bool) {
	if !IsCanonical(raw) {
		return "", false
	}
	return ID(strings.ToLower(raw)), true
}

func IsCanonical(raw string) bool {
	return canonicalPattern.MatchString(raw)
}

// Normalize maps raw to its canonical id. A valid UUID is returned as is, an
// embedded UUID is extracted, and anything else yields Unmatched and false.
func Normalize(raw string) (ID, bool) {
	raw = strings.TrimSpace(raw)
	if id, ok := Parse(raw); ok {
		return id, true
	}
	if m := embeddedPattern.FindString(raw); m != "" {
		return ID(strings.ToLower(m)), true
	}
	return Unmatched, false
}

// LegacyTimestamp extracts the creation time from a "game-<millis>" id.
func LegacyTimestamp(raw string) (time.Time, bool) {
	if !strings.HasPrefix(raw, legacyPrefix) {
		return time.Time{}, false
	}
	rest := strings.TrimPrefix(raw, legacyPrefix)
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		rest = rest[:i]
	}
	ms, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (id ID) String() string { return string(id) }

func (id ID) IsZero() bool { return id == "" }

func (id ID) Matched() bool { return id != "" && id != Unmatched }
