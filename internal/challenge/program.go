// Package challenge fetches and parses BotGuard Challenge Programs from
// Google's challenge endpoint, and parses the client-supplied challenge
// override carried on /get_pot requests. Both wire shapes — a legacy
// string-only encoding and a modern structured object — collapse to the
// same Program value before anything downstream runs.
package challenge

import (
	"encoding/json"
	"fmt"
)

// Program is a BotGuard Challenge Program: everything the VM Attestation
// Driver needs to bootstrap a sandbox and run the attestation entry point.
type Program struct {
	InterpreterURL  string `json:"interpreter_url"`
	InterpreterHash string `json:"interpreter_hash"`
	ChallengeID     string `json:"challenge_id"`
	Program         string `json:"program"`
	GlobalName      string `json:"global_name"`
}

// defaultGlobalName is used when a legacy payload carries no explicit
// global name — mirrors the real BotGuard bootstrap's well-known entry
// point binding.
const defaultGlobalName = "trayek"

// ParseWire parses the polymorphic `challenge` field accepted by
// /get_pot: either a JSON string (legacy form) or a JSON object with
// Program's fields (modern form). Both forms must parse to an
// equivalent Program; a parser that accepts one but rejects the other is
// a defect.
func ParseWire(raw json.RawMessage) (Program, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Program{}, fmt.Errorf("challenge: empty payload")
	}

	// Modern form: a JSON object.
	var obj Program
	if err := json.Unmarshal(raw, &obj); err == nil && looksLikeObject(raw) {
		obj.applyDefaults()
		return obj, nil
	}

	// Legacy form: a JSON string. Two sub-shapes are tolerated: the string
	// itself re-encodes the structured fields as JSON, or — oldest shape —
	// the string is the raw program payload with everything else defaulted.
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return Program{}, fmt.Errorf("challenge: unrecognized shape: %w", err)
	}
	return parseLegacyString(s)
}

func parseLegacyString(s string) (Program, error) {
	var nested Program
	if err := json.Unmarshal([]byte(s), &nested); err == nil && nested.Program != "" {
		nested.applyDefaults()
		return nested, nil
	}
	// Oldest shape: the whole string is the program payload itself.
	p := Program{Program: s}
	p.applyDefaults()
	return p, nil
}

func (p *Program) applyDefaults() {
	if p.GlobalName == "" {
		p.GlobalName = defaultGlobalName
	}
}

func looksLikeObject(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// parseFetchResponse parses Google's challenge-endpoint response body:
// a JSON array whose first element is either a nested JSON string
// containing the challenge fields (legacy) or a structured object
// (modern). Tolerates both shapes identically to ParseWire.
func parseFetchResponse(body []byte) (Program, error) {
	var envelope []json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Program{}, fmt.Errorf("challenge: malformed response envelope: %w", err)
	}
	if len(envelope) == 0 {
		return Program{}, fmt.Errorf("challenge: empty response envelope")
	}
	return ParseWire(envelope[0])
}
