// Package mintercache implements the keyed, single-flighted store of live
// BotGuard minters described by the session/minter manager: at most one
// bootstrap in flight per Minter Key, entries expire with a safety margin,
// and invalidation never cancels work already in flight.
package mintercache

import (
	"time"

	"github.com/agentoven/bgutil-pot-broker/internal/challenge"
	"github.com/agentoven/bgutil-pot-broker/internal/mint"
)

// Minter is the live product of a successful BotGuard attestation: an
// integrity token plus enough context to derive further POTs without
// re-entering the JS VM.
type Minter struct {
	Key            string
	IntegrityToken string
	ExpiresAt      time.Time
	Program        challenge.Program
}

// Fresh reports whether the minter may still be handed to a caller: it must
// not be within safetyMargin of its real expiry.
func (m *Minter) Fresh(now time.Time, safetyMargin time.Duration) bool {
	if m == nil {
		return false
	}
	return now.Before(m.ExpiresAt.Add(-safetyMargin))
}

// Mint derives a Proof-of-Origin Token bound to contentBinding and context
// from this minter's integrity token. This is pure arithmetic — the JS VM
// is never re-entered here.
func (m *Minter) Mint(contentBinding, context string) string {
	return mint.Derive(m.IntegrityToken, contentBinding, context)
}
