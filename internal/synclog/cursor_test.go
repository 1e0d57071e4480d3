package synclog

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, seq := range []uint64{0, 1, 42, 1 << 40} {
		token := EncodeCursor("facility-a", seq)
		pos, err := DecodeCursor(token, "facility-a")
		require.NoError(t, err)
		assert.Equal(t, seq, pos)
	}
}

func TestCursorIsOpaque(t *testing.T) {
	token := EncodeCursor("facility-a", 7)
	assert.NotContains(t, token, "|")
	_, err := base64.RawURLEncoding.DecodeString(token)
	assert.NoError(t, err)
}

func TestCursorFacilityMismatch(t *testing.T) {
	token := EncodeCursor("facility-a", 7)
	_, err := DecodeCursor(token, "facility-b")
	assert.ErrorIs(t, err, ErrCursorFacilityMismatch)
}

func TestCursorAcceptsLegacyNumericTokens(t *testing.T) {
	pos, err := DecodeCursor("12", "any-facility")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), pos)

	pos, err = DecodeCursor("0", "any-facility")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)
}

func TestCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"not base64 ***",
		base64.RawURLEncoding.EncodeToString([]byte("s1|only-two")),
		base64.RawURLEncoding.EncodeToString([]byte("s9|f1|3")),
		base64.RawURLEncoding.EncodeToString([]byte("s1|f1|notanumber")),
		base64.RawURLEncoding.EncodeToString([]byte("s1|f1|-4")),
		"-5",
	} {
		_, err := DecodeCursor(token, "f1")
		assert.ErrorIs(t, err, ErrInvalidCursor, "token %q", token)
	}
}
