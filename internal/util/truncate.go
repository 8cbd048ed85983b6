package util

import "fmt"

// DefaultFieldMaxLen bounds individual string fields folded back into a
// conversation transcript, keeping prompt growth under control.
const DefaultFieldMaxLen = 400

// TruncateField truncates long strings before they are echoed into prompts
// or logs. The suffix records how much was cut so diagnostics stay honest.
func TruncateField(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultFieldMaxLen
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
