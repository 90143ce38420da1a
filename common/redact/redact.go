// Package redact strips credentials from values before they reach log output.
//
// The agent logs its bus endpoint and collaborator settings at startup. NATS
// URLs may carry user:password or token userinfo, and the audit section of the
// config carries a Matrix access token; neither may appear in a log line.
package redact

import (
	"net/url"
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// URL returns raw with any userinfo password (or bare token user) replaced
// by [REDACTED]. Comma-separated server lists are handled element-wise.
// Unparseable elements are returned unchanged.
func URL(raw string) string {
	if strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		for i, p := range parts {
			parts[i] = URL(strings.TrimSpace(p))
		}
		return strings.Join(parts, ",")
	}

	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), placeholder)
	} else {
		u.User = url.User(placeholder)
	}
	// url.String escapes the brackets; keep the placeholder readable.
	return strings.Replace(u.String(), url.QueryEscape(placeholder), placeholder, 1)
}
