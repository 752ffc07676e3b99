package emailutil

import "strings"

// Normalize trims whitespace and lowercases the domain. The local part is
// left to the provider, which decides whether it is case sensitive.
func Normalize(email string) string {
	email = strings.TrimSpace(email)
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return email
	}
	return local + "@" + strings.ToLower(domain)
}

// LocalPart returns the part before the @, or the whole string when there is none
func LocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
