package protocol

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// NewID generates a time-sortable UUIDv7, used for conversation, client and
// placeholder ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTraceID returns a random 32-hex-digit correlation id, the same shape as an
// OpenTelemetry trace id.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// idRegex bounds conversation and client ids to a single safe path component.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidID reports whether id is usable as a conversation or client id. Ids end
// up as directory names on disk, so separators and dot segments are refused.
func ValidID(id string) bool {
	return idRegex.MatchString(id)
}
