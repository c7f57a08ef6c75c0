// Package botguard runs a BotGuard Challenge Program in a sandboxed JS VM
// to produce an integrity token. Each call gets its own VM: the sandbox is
// single-use, per spec §4.C, so one tenant's attestation can never leak
// state into another's.
package botguard

import (
	"context"
	"time"

	"github.com/agentoven/bgutil-pot-broker/internal/challenge"
)

// Attestation is the result of successfully running a Challenge Program.
type Attestation struct {
	IntegrityToken string
	ExpiresAt      time.Time
}

// Solver runs a single Challenge Program to completion, or fails with an
// Attestation-Failed error per spec §7. timeout bounds the VM's wall-clock
// budget; the caller has already clamped it to the configured vm_timeout.
type Solver interface {
	Attest(ctx context.Context, program challenge.Program, timeout time.Duration) (Attestation, error)
}
