package logging

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// RedactedValue replaces values that must never reach the logs.
const RedactedValue = "[REDACTED]"

// safeKeys are the attribute keys bobvault logs verbatim. Ledger identities
// (user, sagaId) are public on the ledger itself.
var safeKeys = map[string]struct{}{
	"component": {},
	"driver":    {},
	"path":      {},
	"address":   {},
	"user":      {},
	"sagaid":    {},
	"operation": {},
	"requestid": {},
}

var dsnPassword = regexp.MustCompile(`(?i)(password\s*=\s*)(\S+)`)

// MaskField renders key=value for logging. Safe keys pass through, database
// DSNs keep their shape with the password removed, and anything else that
// is not empty is replaced by RedactedValue.
func MaskField(key, value string) slog.Attr {
	normalized := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.TrimSpace(value) == "":
		return slog.String(key, value)
	case normalized == "dsn":
		return slog.String(key, maskDSN(value))
	default:
		if _, ok := safeKeys[normalized]; ok {
			return slog.String(key, value)
		}
		return slog.String(key, RedactedValue)
	}
}

// maskDSN strips the password from URL-style (postgres://user:pw@host/db)
// and keyword-style (host=... password=...) DSNs. File paths are unchanged.
func maskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		return u.String()
	}
	return dsnPassword.ReplaceAllString(dsn, "${1}"+RedactedValue)
}
