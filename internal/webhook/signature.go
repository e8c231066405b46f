package webhook

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
)

// Sign returns lowercase hex SHA1(secret & notificationID & timestamp).
func Sign(notificationID string, timestamp int64, secret string) string {
	sum := sha1.Sum([]byte(secret + "&" + notificationID + "&" + strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether digest was produced by secret. An empty secret never
// verifies.
func Verify(notificationID string, timestamp int64, digest, secret string) bool {
	if secret == "" || digest == "" {
		return false
	}
	expected := Sign(notificationID, timestamp, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) == 1
}
