package logging

// MaskSecret hides the middle of a secret, keeping the first and last four
// characters. Anything short enough that masking would reveal most of it is
// fully redacted.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// LastFour returns the trailing four characters of a secret for display.
func LastFour(s string) string {
	if len(s) < 4 {
		return s
	}
	return s[len(s)-4:]
}
