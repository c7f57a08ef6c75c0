// Package minterkey derives the canonical Minter Key string from a
// request's network identity (proxy, source address, TLS-verify flag,
// innertube flag). The derivation is pure and must be stable across
// process restarts and independent of map/field iteration order.
package minterkey

import "strings"

// Opts are the network-identity fields that distinguish one BotGuard
// minter from another. Two Opts that are field-for-field equal must always
// derive the same key; two Opts that differ in any field here may derive
// independent minters.
type Opts struct {
	Proxy                  string
	SourceAddress          string
	DisableTLSVerification bool
	DisableInnertube       bool
}

// Default is the canonical key used when every field is absent/false.
const Default = "default"

// Derive maps opts to its canonical Minter Key string. Absent/false fields
// are omitted entirely rather than rendered as empty segments, so two
// requests that differ only in an unset field never diverge.
func Derive(opts Opts) string {
	var b strings.Builder
	first := true

	write := func(segment string) {
		if !first {
			b.WriteByte('|')
		}
		b.WriteString(segment)
		first = false
	}

	if opts.Proxy != "" {
		write("proxy:" + opts.Proxy)
	}
	if opts.SourceAddress != "" {
		write("src:" + opts.SourceAddress)
	}
	if opts.DisableTLSVerification {
		write("tls_insecure")
	}
	if opts.DisableInnertube {
		write("no_innertube")
	}

	if b.Len() == 0 {
		return Default
	}
	return b.String()
}
