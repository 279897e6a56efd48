package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint computes the canonical content digest used for exact
// re-upload detection. Line-ending and trailing-whitespace differences
// between exports of the same logical sheet normalize away; any
// data-affecting difference changes the digest.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256([]byte(normalizeContent(raw)))
	return hex.EncodeToString(sum[:])
}

func normalizeContent(raw []byte) string {
	text := decodeTolerant(raw)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	start := 0
	for start < len(lines) && lines[start] == "" {
		start++
	}
	end := len(lines)
	for end > start && lines[end-1] == "" {
		end--
	}
	if start == end {
		return "\n"
	}
	return strings.Join(lines[start:end], "\n") + "\n"
}
