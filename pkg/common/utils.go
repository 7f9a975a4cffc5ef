package common

import (
	"github.com/rs/zerolog/log"
)

// SafeClose closes a closer and logs any error
func SafeClose(closer interface{ Close() error }, name string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn().Err(err).Str("resource", name).Msg("Failed to close resource")
	}
}

// TruncateString truncates a string to maxLength, marking the cut with "..."
func TruncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}
