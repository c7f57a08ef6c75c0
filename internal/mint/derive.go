// Package mint implements the pure Proof-of-Origin Token derivation used
// once a Minter Cache entry is Ready. It holds no state and talks to no
// network — everything it needs (the integrity token, the content binding,
// the context) is passed in by the caller.
package mint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// MinLength and MaxLength bound the derived token per spec §4.E: a real
// POT is always between 80 and 200 characters.
const (
	MinLength = 80
	MaxLength = 200
)

// Derive computes a Proof-of-Origin Token from an integrity token (the
// output of a BotGuard attestation) bound to a specific content binding and
// context. The same (integrityToken, contentBinding, context) triple always
// derives the same token — callers rely on this to dedupe concurrent mints
// via the POT Cache's single-flight key.
func Derive(integrityToken, contentBinding, context string) string {
	mac := hmac.New(sha256.New, []byte(integrityToken))
	mac.Write([]byte(contentBinding))
	mac.Write([]byte{'|'})
	mac.Write([]byte(context))
	sum := mac.Sum(nil)

	token := base64.RawURLEncoding.EncodeToString(sum)
	return pad(token)
}

// pad stretches a token below MinLength by repeating its own bytes through
// a second HMAC round, keyed on the token itself, so the output stays
// deterministic without ever exceeding MaxLength.
func pad(token string) string {
	for len(token) < MinLength {
		mac := hmac.New(sha256.New, []byte(token))
		mac.Write([]byte("pad"))
		token += base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	}
	if len(token) > MaxLength {
		token = token[:MaxLength]
	}
	return token
}
