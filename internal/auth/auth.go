// Package auth reports a four-valued authentication state by combining the
// local credential file, the persisted API token, and a live verify call.
package auth

import (
	"bytes"
	"context"
	"encoding/pem"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/channinghe/cftunnel/internal/cfdns"
	"github.com/channinghe/cftunnel/internal/configstore"
)

// Level is the four-valued authentication state.
type Level string

const (
	LevelNone     Level = "none"
	LevelCertOnly Level = "cert-only"
	LevelAPIOnly  Level = "api-only"
	LevelFull     Level = "full"
)

// Op is an operation tag passed to EnsureFor.
type Op string

const (
	OpNamedTunnel     Op = "named-tunnel"
	OpDNSAPI          Op = "dns-api"
	OpFullIntegration Op = "full-integration"
)

// State is the result of a Gate.Check call.
type State struct {
	HasCert     bool
	HasAPIToken bool
	Level       Level
}

// VerifyTimeout bounds the provider API verify call; a timeout is treated
// as "invalid" (safe) rather than "valid" (permissive).
const VerifyTimeout = 10 * time.Second

// Gate combines the three sources of truth into a single AuthState.
type Gate struct {
	store              *configstore.Store
	credentialFilePath string
}

// NewGate returns a Gate backed by store, checking the well-known
// cloudflared credential file path.
func NewGate(store *configstore.Store) *Gate {
	return &Gate{store: store, credentialFilePath: configstore.CredentialFilePath()}
}

// Check computes the current AuthState. The verify call (if a token is
// present) is bounded by VerifyTimeout regardless of the caller's ctx
// deadline, since a hung verify must never block the rest of the auth
// check.
func (g *Gate) Check(ctx context.Context) (State, error) {
	st := State{}
	st.HasCert = hasValidCredentialFile(g.credentialFilePath)

	persisted, err := g.store.Read()
	if err != nil {
		return State{}, err
	}

	if persisted.APIToken != "" {
		vctx, cancel := context.WithTimeout(ctx, VerifyTimeout)
		defer cancel()

		client := cfdns.NewClient(persisted.APIToken)
		_, verifyErr := client.API().User.Tokens.Verify(vctx)
		if verifyErr != nil {
			log.Warn().Err(verifyErr).Msg("api token verify failed or timed out; treating as invalid")
			st.HasAPIToken = false
		} else {
			st.HasAPIToken = true
		}
	}

	st.Level = levelFor(st.HasCert, st.HasAPIToken)
	return st, nil
}

func levelFor(hasCert, hasAPIToken bool) Level {
	switch {
	case hasCert && hasAPIToken:
		return LevelFull
	case hasCert:
		return LevelCertOnly
	case hasAPIToken:
		return LevelAPIOnly
	default:
		return LevelNone
	}
}

// EnsureFor maps an operation tag to the level it requires and reports
// whether st satisfies it.
func EnsureFor(st State, op Op) bool {
	switch op {
	case OpNamedTunnel:
		return st.HasCert
	case OpDNSAPI:
		return st.HasAPIToken
	case OpFullIntegration:
		return st.HasCert && st.HasAPIToken
	default:
		return false
	}
}

// hasValidCredentialFile reports whether path exists and contains at least
// one recognized PEM block.
func hasValidCredentialFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	block, _ := pem.Decode(bytes.TrimSpace(data))
	return block != nil
}
