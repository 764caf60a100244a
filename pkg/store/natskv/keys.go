package natskv

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/example/nats-chat-sync/pkg/store"
)

// Bucket names.
const (
	BucketPresence      = "PRESENCE"
	BucketConnections   = "PRESENCE_CONN"
	BucketNotifications = "NOTIFICATIONS"
	BucketTyping        = "TYPING"
	BucketDefault       = "CHATSYNC"
	BucketLeases        = "SESSION_LEASES"
	BucketHooks         = "SESSION_HOOKS"
)

var topLevel = map[string]string{
	"presence":      BucketPresence,
	"connections":   BucketConnections,
	"notifications": BucketNotifications,
	"typing":        BucketTyping,
}

var safeSegment = regexp.MustCompile(`^[-_a-zA-Z0-9]+$`)

// encodeSegment makes a path segment a valid single KV key token. Segments
// outside [-_a-zA-Z0-9] are base64url encoded behind a '=' marker.
func encodeSegment(s string) string {
	if safeSegment.MatchString(s) {
		return s
	}
	return "=" + base64.RawURLEncoding.EncodeToString([]byte(s))
}

// KeyToken returns the key token a path segment is stored under.
func KeyToken(segment string) string { return encodeSegment(segment) }

// UserSessionID returns a fresh session id whose key starts with userID's
// token, so account permissions can confine a user to their own leases and
// hooks.
func UserSessionID(userID string) string {
	return encodeSegment(userID) + "." + uuid.NewString()
}

func decodeSegment(s string) (string, error) {
	if !strings.HasPrefix(s, "=") {
		return s, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s[1:])
	if err != nil {
		return "", fmt.Errorf("decode key token %q: %w", s, err)
	}
	return string(b), nil
}

// location maps a store path to its bucket and key. The key is empty when
// path names a whole bucket.
func location(path string) (bucket, key string) {
	segs := store.Split(path)
	if len(segs) == 0 {
		return BucketDefault, ""
	}
	rest := segs
	if b, ok := topLevel[segs[0]]; ok {
		bucket = b
		rest = segs[1:]
	} else {
		bucket = BucketDefault
	}
	tokens := make([]string, len(rest))
	for i, s := range rest {
		tokens[i] = encodeSegment(s)
	}
	return bucket, strings.Join(tokens, ".")
}

// pathOf is the inverse of location.
func pathOf(bucket, key string) (string, error) {
	var segs []string
	if bucket != BucketDefault {
		for top, b := range topLevel {
			if b == bucket {
				segs = append(segs, top)
				break
			}
		}
	}
	for _, tok := range strings.Split(key, ".") {
		s, err := decodeSegment(tok)
		if err != nil {
			return "", err
		}
		segs = append(segs, s)
	}
	return store.Join(segs...), nil
}

// childPattern is the watch filter selecting direct children of key.
func childPattern(key string) string {
	if key == "" {
		return "*"
	}
	return key + ".*"
}
