package logger

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// RedactEmail masks the local part of a recipient address, keeping just
// enough to correlate log lines with a support ticket:
//
//	"alice.smith@example.com" → "al***@example.com"
//
// Local parts of two characters or fewer are masked entirely, and
// anything that does not look like an address comes back fully masked.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// RedactEmails scrubs every address embedded in free-form text, such as
// rendered greeting content or upstream error strings.
func RedactEmails(s string) string {
	return emailPattern.ReplaceAllStringFunc(s, RedactEmail)
}
