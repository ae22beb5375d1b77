// Package validation holds input checks for client-supplied
// identifiers. Signal payloads come straight off the wire, so anything
// that ends up in a map key or a file path goes through here first.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	// MaxRoomNameLength bounds room names; they appear in log lines and
	// recording file names.
	MaxRoomNameLength = 128

	// MaxIdentifierLength bounds engine-assigned ids echoed back by
	// clients (transport ids, producer ids, consumer ids).
	MaxIdentifierLength = 256
)

// identifierRegex matches UUID-style ids and other engine-assigned
// handles.
var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidateRoomName checks a client-supplied room name.
func ValidateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("room name is required")
	}
	if len(name) > MaxRoomNameLength {
		return fmt.Errorf("room name is too long (max %d characters)", MaxRoomNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("room name contains control characters")
		}
	}
	return nil
}

// ValidateIdentifier checks an id a client echoes back from a previous
// response, such as a transport or producer id.
func ValidateIdentifier(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, MaxIdentifierLength)
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", field)
	}
	return nil
}

// ValidatePortRange checks a UDP port range boundary pair.
func ValidatePortRange(min, max int) error {
	if min < 1 || min > 65535 {
		return fmt.Errorf("min port %d out of range", min)
	}
	if max < 1 || max > 65535 {
		return fmt.Errorf("max port %d out of range", max)
	}
	if min > max {
		return fmt.Errorf("min port %d greater than max port %d", min, max)
	}
	return nil
}
