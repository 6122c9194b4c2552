package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"
)

// Fingerprint derives the deduplication key for a submission from its
// normalized content. Identity is case-insensitive (mail addresses); subject
// and body are trimmed.
//
// When salted is true the current minute is mixed in, restoring the legacy
// behavior where resubmitting identical content a minute later enqueues a
// fresh item. The default is a deterministic content-only key, so duplicate
// deliveries are absorbed no matter when they arrive.
func Fingerprint(identity, subject, body string, salted bool) string {
	h := sha256.New()
	io.WriteString(h, strings.ToLower(strings.TrimSpace(identity)))
	h.Write([]byte{'\n'})
	io.WriteString(h, strings.TrimSpace(subject))
	h.Write([]byte{'\n'})
	io.WriteString(h, strings.TrimSpace(body))
	if salted {
		h.Write([]byte{'\n'})
		io.WriteString(h, time.Now().UTC().Format("2006-01-02T15:04"))
	}
	return hex.EncodeToString(h.Sum(nil))
}
