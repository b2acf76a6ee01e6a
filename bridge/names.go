package bridge

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// DurableName derives the consumer name for a client's durable
// subscription. The same client and subject always map to the same name.
func DurableName(clientID, subj string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(subj))
	return fmt.Sprintf("%s_%016x", sanitize(clientID), h.Sum64())
}

// sanitize keeps [A-Za-z0-9_-] and replaces everything else, including the
// characters JetStream forbids in consumer names.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "client"
	}
	return b.String()
}

func validName(s string) bool {
	return sanitize(s) == s
}
