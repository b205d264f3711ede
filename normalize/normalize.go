// Package normalize provides the canonical string folding used for every
// identifier, email and publisher comparison in the service. Persisted
// documents are edited by humans and by older client versions, so all
// matching is case- and whitespace-insensitive.
package normalize

import "strings"

// Key folds an identifier (app id, org id, publisher name) to its canonical
// comparison form: trimmed and lowercased. Idempotent.
func Key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Email folds an email address the same way identifiers are folded.
func Email(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Equal reports whether two identifiers match under canonical folding.
func Equal(a, b string) bool {
	return Key(a) == Key(b)
}

// Domain extracts the normalized domain part of an email address.
// Returns "" when the input has no "@" or nothing after it.
func Domain(email string) string {
	e := Email(email)
	at := strings.LastIndex(e, "@")
	if at < 0 || at == len(e)-1 {
		return ""
	}
	return e[at+1:]
}
