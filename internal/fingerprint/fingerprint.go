// Package fingerprint derives the request digest used as the response cache
// key. The encoding is versioned and independent of the cache backend, so
// in-process and shared stores agree on keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"

	"chat-orchestrator/internal/domain"
)

const version = "fp1"

// Input holds everything that makes two requests the same logical request.
type Input struct {
	ConversationID string
	Message        string
	Sources        []domain.Source
	ModelVersion   string
}

// Compute returns the hex SHA-256 over a length-prefixed encoding of in.
// The message is normalized and the source set is sorted and de-duplicated.
func Compute(in Input) domain.Fingerprint {
	h := sha256.New()
	write := func(field string) {
		_, _ = h.Write([]byte(strconv.Itoa(len(field))))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(field))
	}

	write(version)
	write(strings.TrimSpace(in.ConversationID))
	write(NormalizeMessage(in.Message))
	for _, s := range sourceSet(in.Sources) {
		write(string(s))
	}
	write("|")
	write(strings.TrimSpace(in.ModelVersion))

	return domain.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// NormalizeMessage lowercases and collapses whitespace.
func NormalizeMessage(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func sourceSet(in []domain.Source) []domain.Source {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
