package mcperr

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// Cross-server cursors identify the resume point of a federated list
// request. The decoded form is "<server-name>:<inner-cursor>" where the
// inner cursor is the target server's own opaque cursor and may be empty.

const (
	// maxCursorLen bounds the decoded cursor to reject abusive input.
	maxCursorLen = 1000
	// maxServerNameLen matches catalog name validation so a cursor can
	// never name a server the catalog could not hold.
	maxServerNameLen = 50
)

var serverNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidServerName reports whether name is acceptable as a catalog key and
// inside cursors and composite ids.
func ValidServerName(name string) bool {
	return len(name) >= 1 && len(name) <= maxServerNameLen && serverNameRe.MatchString(name)
}

// EncodeCursor builds the opaque cross-server cursor for the given server
// and inner cursor.
func EncodeCursor(name, inner string) string {
	return base64.StdEncoding.EncodeToString([]byte(name + ":" + inner))
}

// DecodeCursor parses a cross-server cursor. The empty cursor is valid and
// means "start from the first server"; it decodes to ("", "", nil). A
// malformed cursor returns a ValidationError; callers are expected to treat
// that as "start over" rather than failing the request.
func DecodeCursor(cursor string) (name, inner string, err error) {
	if cursor == "" {
		return "", "", nil
	}

	raw, decErr := base64.StdEncoding.DecodeString(cursor)
	if decErr != nil {
		return "", "", NewValidationError("cursor is not valid base64")
	}
	if len(raw) > maxCursorLen {
		return "", "", NewValidationError("cursor exceeds maximum length")
	}

	decoded := string(raw)
	idx := strings.Index(decoded, ":")
	if idx < 0 {
		return "", "", NewValidationError("cursor missing server delimiter")
	}

	name = decoded[:idx]
	inner = decoded[idx+1:]
	if !ValidServerName(name) {
		return "", "", NewValidationError(fmt.Sprintf("cursor names invalid server %q", name))
	}

	return name, inner, nil
}
