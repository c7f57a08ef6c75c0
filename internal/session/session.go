// Package session implements the Session Manager façade: the public
// surface composing minter key derivation, the challenge fetcher, the VM
// attestation driver, and the two caches into generate/invalidate/list
// operations. Nothing below this package knows about HTTP.
package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/bgutil-pot-broker/internal/apierr"
	"github.com/agentoven/bgutil-pot-broker/internal/botguard"
	"github.com/agentoven/bgutil-pot-broker/internal/challenge"
	"github.com/agentoven/bgutil-pot-broker/internal/filecache"
	"github.com/agentoven/bgutil-pot-broker/internal/httpclient"
	"github.com/agentoven/bgutil-pot-broker/internal/minterkey"
	"github.com/agentoven/bgutil-pot-broker/internal/mintercache"
	"github.com/agentoven/bgutil-pot-broker/internal/potcache"
	"github.com/agentoven/bgutil-pot-broker/internal/retention"
)

// RequestKey is Google's well-known BotGuard request key used to fetch the
// current Challenge Program.
const RequestKey = "O43z0dpjhgX20SCx4KAo"

// NetworkOpts are the per-request outbound network knobs that also double
// as the Minter Key's derivation material.
type NetworkOpts struct {
	Proxy                  string
	SourceAddress          string
	DisableTLSVerification bool
	DisableInnertube       bool
}

// GenerateRequest is the normalized form of a /get_pot request. The two
// Legacy fields are carried through unparsed so the deprecation guard can
// see them even though they play no other role in minting.
type GenerateRequest struct {
	ContentBinding   string
	Network          NetworkOpts
	BypassCache      bool
	Challenge        *challenge.Program
	InnertubeContext string
	Context          string

	LegacyDataSyncID  string
	LegacyVisitorData string
}

// Response is the POT Response shape returned to callers.
type Response struct {
	POToken        string
	ExpiresAt      time.Time
	ContentBinding string
	Context        string
}

// Manager is the Session Manager. It owns both caches and is safe for
// concurrent use by many in-flight requests.
type Manager struct {
	minters *mintercache.Cache
	pots    *potcache.Cache
	files   *filecache.Cache
	solver  botguard.Solver

	safetyMargin     time.Duration
	tokenTTL         time.Duration
	vmTimeout        time.Duration
	challengeTimeout time.Duration
	maxVMTimeout     time.Duration
}

// Config carries the tunables from configuration into a Manager.
type Config struct {
	SafetyMargin     time.Duration
	TokenTTL         time.Duration
	VMTimeout        time.Duration
	MaxVMTimeout     time.Duration
	ChallengeTimeout time.Duration
	MaxPOTEntries    int

	// CacheDir, when non-empty, roots the on-disk advisory POT cache that
	// survives a process restart. Empty disables it; a failure to create
	// the directory is logged and also disables it, never fatal.
	CacheDir string
}

// New builds a Manager. solver runs Challenge Programs; everything else is
// owned internally.
func New(cfg Config, solver botguard.Solver) *Manager {
	m := &Manager{
		minters:          mintercache.New(cfg.SafetyMargin, nil),
		pots:             potcache.New(cfg.MaxPOTEntries, nil),
		solver:           solver,
		safetyMargin:     cfg.SafetyMargin,
		tokenTTL:         cfg.TokenTTL,
		vmTimeout:        cfg.VMTimeout,
		maxVMTimeout:     cfg.MaxVMTimeout,
		challengeTimeout: cfg.ChallengeTimeout,
	}

	if cfg.CacheDir != "" {
		files, err := filecache.New(cfg.CacheDir)
		if err != nil {
			log.Warn().Err(err).Str("cache_dir", cfg.CacheDir).Msg("session: disk POT cache unavailable, continuing without it")
		} else {
			m.files = files
		}
	}

	return m
}

// Generate derives a Minter Key, obtains a Ready Minter for it (bootstrapping
// one if needed), and mints or returns a cached POT for req.ContentBinding.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (Response, error) {
	if err := checkDeprecatedFields(req); err != nil {
		return Response{}, err
	}
	if req.ContentBinding == "" {
		return Response{}, apierr.New(apierr.Validation, "content_binding is required").WithField("content_binding")
	}

	key := minterkey.Derive(minterkey.Opts{
		Proxy:                  req.Network.Proxy,
		SourceAddress:          req.Network.SourceAddress,
		DisableTLSVerification: req.Network.DisableTLSVerification,
		DisableInnertube:       req.Network.DisableInnertube,
	})

	minter, err := m.minters.GetOrBootstrap(ctx, key, m.bootstrapFunc(key, req))
	if err != nil {
		return Response{}, classifyBootstrapErr(err)
	}

	contextTag := req.Context
	if contextTag == "" {
		contextTag = potcache.DefaultContext
	}

	entry, err := m.pots.GetOrMint(key, req.ContentBinding, contextTag, m.tokenTTL, minter.ExpiresAt, req.BypassCache, m.mintFunc(key, req.ContentBinding, contextTag, req.BypassCache, minter))
	if err != nil {
		return Response{}, apierr.Wrap(apierr.Internal, err, "mint failed")
	}

	return Response{
		POToken:        entry.Token,
		ExpiresAt:      entry.ExpiresAt,
		ContentBinding: entry.ContentBinding,
		Context:        entry.Context,
	}, nil
}

// mintFunc builds the closure the POT Cache calls on a miss (or a
// bypass_cache request). It consults the on-disk advisory cache first —
// useful right after a process restart, when the in-memory POT Cache is
// empty but a still-fresh token was persisted before the prior exit — and
// writes through to it after every real mint so the next restart can reuse
// the result. Neither side ever re-enters the JS VM.
func (m *Manager) mintFunc(minterKey, contentBinding, contextTag string, bypassCache bool, minter *mintercache.Minter) potcache.MintFunc {
	return func() string {
		if !bypassCache && m.files != nil {
			if rec, ok := m.files.Get(minterKey, contentBinding, contextTag); ok {
				return rec.Token
			}
		}

		token := minter.Mint(contentBinding, contextTag)

		if m.files != nil {
			expiresAt := minter.ExpiresAt
			if byTTL := time.Now().Add(m.tokenTTL); byTTL.Before(expiresAt) {
				expiresAt = byTTL
			}
			m.files.Set(minterKey, contentBinding, contextTag, filecache.Record{
				Token:          token,
				ExpiresAt:      expiresAt,
				ContentBinding: contentBinding,
				Context:        contextTag,
			})
		}

		return token
	}
}

// InvalidateCaches clears the POT Cache entirely — in memory and, if
// enabled, on disk — leaving the Minter Cache intact.
func (m *Manager) InvalidateCaches() {
	m.pots.Invalidate("")
	if m.files != nil {
		m.files.Clear()
	}
}

// InvalidateIntegrity clears the Minter Cache. POT entries are cleared too,
// since every cached POT depends on a minter this call just discarded.
func (m *Manager) InvalidateIntegrity() {
	m.minters.InvalidateIntegrity("")
	m.InvalidateCaches()
}

// ListMinterCache returns the canonical keys of every Ready minter.
func (m *Manager) ListMinterCache() []string {
	return m.minters.ListKeys()
}

// Sweepers exposes the two caches' periodic eviction passes for the
// retention janitor to drive.
func (m *Manager) Sweepers() []retention.Sweeper {
	return []retention.Sweeper{m.minters, m.pots}
}

func (m *Manager) bootstrapFunc(key string, req GenerateRequest) mintercache.BootstrapFunc {
	return func(ctx context.Context) (*mintercache.Minter, error) {
		program := req.Challenge
		if program == nil {
			client, err := httpclient.New(httpclient.Options{
				Proxy:                  req.Network.Proxy,
				SourceAddress:          req.Network.SourceAddress,
				DisableTLSVerification: req.Network.DisableTLSVerification,
				Timeout:                m.challengeTimeout,
			})
			if err != nil {
				return nil, apierr.Wrap(apierr.Validation, err, "")
			}

			fetcher := challenge.NewHTTPFetcher(client)
			if m.challengeTimeout > 0 {
				fetcher.Timeout = m.challengeTimeout
			}
			innertubeContext := ""
			if !req.Network.DisableInnertube {
				innertubeContext = req.InnertubeContext
			}
			fetched, err := fetcher.Fetch(ctx, RequestKey, innertubeContext)
			if err != nil {
				return nil, apierr.Wrap(apierr.TransientUpstream, err, "")
			}
			program = &fetched
		}

		timeout := m.vmTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		if m.maxVMTimeout > 0 && timeout > m.maxVMTimeout {
			timeout = m.maxVMTimeout
		}

		attestation, err := m.solver.Attest(ctx, *program, timeout)
		if err != nil {
			return nil, apierr.Wrap(apierr.AttestationFailed, err, "")
		}

		expiresAt := attestation.ExpiresAt
		if expiresAt.IsZero() {
			expiresAt = time.Now().Add(time.Hour)
		}

		return &mintercache.Minter{
			Key:            key,
			IntegrityToken: attestation.IntegrityToken,
			ExpiresAt:      expiresAt,
			Program:        *program,
		}, nil
	}
}

func checkDeprecatedFields(req GenerateRequest) error {
	if req.LegacyDataSyncID != "" {
		return apierr.New(apierr.Validation, "data_sync_id is no longer accepted at the top level; wrap it in content_binding").WithField("data_sync_id")
	}
	if req.LegacyVisitorData != "" {
		return apierr.New(apierr.Validation, "visitor_data is no longer accepted at the top level; wrap it in content_binding").WithField("visitor_data")
	}
	return nil
}

func classifyBootstrapErr(err error) error {
	if ae, ok := err.(*apierr.Error); ok {
		return ae
	}
	return apierr.Wrap(apierr.Internal, err, "")
}
