package synclog

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor tokens are versioned and self-describing: the payload carries the
// facility identity alongside the position so a decode step can reject
// cross-facility replay without consulting the log. Bare decimal tokens are
// accepted as a legacy form meaning "position N in the requested facility".
const cursorVersion = "s1"

const cursorSeparator = "|"

// EncodeCursor returns the opaque token for "last seq seen" in a facility.
func EncodeCursor(facilityID string, seq uint64) string {
	payload := cursorVersion + cursorSeparator + facilityID + cursorSeparator + strconv.FormatUint(seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

// DecodeCursor validates a token against the requesting facility and returns
// the encoded position. Malformed tokens yield ErrInvalidCursor; structurally
// valid tokens for another facility yield ErrCursorFacilityMismatch.
func DecodeCursor(token, facilityID string) (uint64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, fmt.Errorf("%w: empty token", ErrInvalidCursor)
	}
	if isAllDigits(token) {
		seq, err := strconv.ParseUint(token, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrInvalidCursor, token)
		}
		return seq, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: not base64url", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(decoded), cursorSeparator, 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: malformed payload", ErrInvalidCursor)
	}
	if parts[0] != cursorVersion {
		return 0, fmt.Errorf("%w: unsupported version %q", ErrInvalidCursor, parts[0])
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad position %q", ErrInvalidCursor, parts[2])
	}
	if parts[1] != facilityID {
		return 0, fmt.Errorf("%w: token issued for another facility", ErrCursorFacilityMismatch)
	}
	return seq, nil
}

// isAllDigits reports whether the token is a bare decimal position. The
// versioned form always decodes from a payload starting with the version
// prefix, which never base64-encodes to pure digits, so the two forms
// cannot collide.
func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
