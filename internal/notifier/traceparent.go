package notifier

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BuildTraceparent synthesizes a W3C trace-context header from an opaque
// upstream trace identifier. The input is normalized to 32 lowercase hex
// characters: separators and other non-hex characters are stripped, long
// values are truncated, short values are left-padded with zeros. A fresh
// random span id is generated for every call.
func BuildTraceparent(traceID string) (string, error) {
	normalized := normalizeTraceID(traceID)
	if normalized == "" {
		return "", fmt.Errorf("trace id %q contains no hex characters", traceID)
	}

	spanID := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("00-%s-%s-01", normalized, spanID), nil
}

func normalizeTraceID(traceID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(traceID) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
		}
	}

	hex := b.String()
	if hex == "" {
		return ""
	}
	if len(hex) > 32 {
		return hex[:32]
	}
	return strings.Repeat("0", 32-len(hex)) + hex
}
