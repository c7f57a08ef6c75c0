package botguard

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/bgutil-pot-broker/internal/challenge"
)

// GojaSolver runs Challenge Programs in goja, a pure-Go ECMAScript VM. Each
// Attest call builds a fresh *goja.Runtime — the sandbox is never reused
// across calls or tenants.
type GojaSolver struct{}

// NewGojaSolver constructs a GojaSolver. It holds no state.
func NewGojaSolver() *GojaSolver { return &GojaSolver{} }

// attestResult is the shape a Challenge Program's global entry point may
// return: either a bare token string, or an object carrying a token and an
// optional TTL override.
type attestResult struct {
	Token   string `json:"token"`
	TTLSecs int64  `json:"ttlSeconds"`
	HasTTL  bool
}

// Attest decodes and runs program.Program as JavaScript inside a fresh VM,
// then invokes program.GlobalName as a zero-argument function. timeout
// bounds the VM's wall-clock budget: a watcher goroutine selects on the
// timeout, ctx cancellation, and completion, and stops the script with
// goja's native Interrupt.
func (s *GojaSolver) Attest(ctx context.Context, program challenge.Program, timeout time.Duration) (Attestation, error) {
	source, err := decodeSource(program.Program)
	if err != nil {
		return Attestation{}, fmt.Errorf("botguard: decode program: %w", err)
	}

	vm := goja.New()
	_ = vm.Set("console", map[string]any{
		"log":  func(...any) {},
		"warn": func(...any) {},
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt(errVMTimeout)
		case <-ctx.Done():
			vm.Interrupt(errVMCanceled)
		case <-done:
		}
	}()

	if _, err := vm.RunScript(program.ChallengeID, source); err != nil {
		return Attestation{}, classifyRunErr(err)
	}

	globalName := program.GlobalName
	if globalName == "" {
		return Attestation{}, errors.New("botguard: challenge program has no global entry point")
	}

	fn, ok := goja.AssertFunction(vm.Get(globalName))
	if !ok {
		return Attestation{}, fmt.Errorf("botguard: global %q is not a callable function", globalName)
	}

	res, err := fn(goja.Undefined())
	if err != nil {
		return Attestation{}, classifyRunErr(err)
	}

	result, err := exportResult(vm, res)
	if err != nil {
		return Attestation{}, err
	}
	if result.Token == "" {
		return Attestation{}, errors.New("botguard: attestation produced an empty integrity token")
	}

	att := Attestation{IntegrityToken: result.Token}
	if result.HasTTL && result.TTLSecs > 0 {
		att.ExpiresAt = time.Now().Add(time.Duration(result.TTLSecs) * time.Second)
	}

	log.Debug().Str("challenge_id", program.ChallengeID).Msg("botguard: attestation succeeded")
	return att, nil
}

var (
	errVMTimeout  = errors.New("botguard: vm timeout exceeded")
	errVMCanceled = errors.New("botguard: request canceled")
)

// classifyRunErr surfaces goja's interrupt sentinel distinctly from an
// ordinary JS exception so callers can tell a timeout apart from a script
// bug, without parsing error strings.
func classifyRunErr(err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if v, ok := ie.Value().(error); ok {
			return fmt.Errorf("botguard: %w", v)
		}
		return fmt.Errorf("botguard: interrupted: %v", ie.Value())
	}
	return fmt.Errorf("botguard: script error: %w", err)
}

// decodeSource accepts either a raw JS source string or a base64-encoded
// one — Challenge Programs retrieved from the wire are base64, but tests
// and the legacy parsing path may hand over plain source directly.
func decodeSource(program string) (string, error) {
	if looksLikeJS(program) {
		return program, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(program)
	if err != nil {
		return "", fmt.Errorf("not valid base64 or JS source: %w", err)
	}
	return string(decoded), nil
}

func looksLikeJS(s string) bool {
	for _, c := range s {
		switch c {
		case ' ', '\t', '\n', '\r', '(', ')', '{', '}', ';', '=', '"', '\'':
			return true
		}
	}
	return false
}

func exportResult(vm *goja.Runtime, v goja.Value) (attestResult, error) {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return attestResult{}, errors.New("botguard: entry point returned undefined or null")
	}
	if str, ok := v.Export().(string); ok {
		return attestResult{Token: str}, nil
	}
	obj := v.ToObject(vm)
	if obj == nil {
		return attestResult{}, errors.New("botguard: entry point returned an unsupported type")
	}
	var out attestResult
	if tok := obj.Get("token"); tok != nil && !goja.IsUndefined(tok) && !goja.IsNull(tok) {
		out.Token = tok.String()
	}
	if ttl := obj.Get("ttlSeconds"); ttl != nil && !goja.IsUndefined(ttl) && !goja.IsNull(ttl) {
		out.TTLSecs = ttl.ToInteger()
		out.HasTTL = true
	}
	return out, nil
}
