package orchestrator

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/channinghe/cftunnel/internal/classify"
)

// Phase identifies which stage of a Start transaction produced an error.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseAuth     Phase = "auth"
	PhaseConfig   Phase = "config"
	PhaseCreate   Phase = "create"
	PhaseDNS      Phase = "dns"
	PhaseStart    Phase = "start"
	PhaseVerify   Phase = "verify"
	PhaseE2E      Phase = "e2e"
)

// KindInvalidPort is a local validation failure, never something reported
// by cloudflared or the API, so it bypasses the classifier entirely.
const KindInvalidPort classify.Kind = "INVALID_PORT"

// suggestions is a fixed dictionary of short remediation hints keyed by
// classified error kind. Unrecognized kinds get a generic fallback.
var suggestions = map[classify.Kind][]string{
	classify.AuthMissingCert:        {"run `cloudflared tunnel login` to fetch a certificate"},
	classify.AuthExpiredCert:        {"run `cloudflared tunnel login` again to refresh the certificate"},
	classify.AuthPermissionDenied:   {"verify the API token has DNS and Tunnel edit permissions"},
	classify.DNSRecordExists:        {"pass --non-interactive to overwrite automatically", "or choose a different hostname"},
	classify.DNSZoneNotFound:        {"confirm the zone is active on this Cloudflare account"},
	classify.DNSPermissionDenied:    {"grant the API token Zone.DNS edit permission for this zone"},
	classify.DNSInvalidDomain:       {"check the hostname for typos or unsupported characters"},
	classify.TunnelAlreadyExists:    {"delete the existing tunnel or choose a different name"},
	classify.TunnelNotFound:         {"confirm the tunnel id is correct and not already deleted"},
	classify.TunnelDeletionFailed:   {"retry, or remove the tunnel from the Cloudflare dashboard"},
	classify.TunnelConnectionFailed: {"check that cloudflared can reach the Cloudflare edge network"},
	classify.NetworkTimeout:         {"check connectivity and retry"},
	classify.NetworkConnectionFail:  {"check connectivity and retry"},
	classify.ConfigFileMissing:      {"the ingress config was not written; retry the start"},
	classify.ConfigFileInvalid:      {"inspect the generated ingress config for malformed YAML"},
	classify.ProcessStartupFailed:   {"confirm cloudflared is installed and on PATH"},
}

func suggestionsFor(kind classify.Kind) []string {
	if s, ok := suggestions[kind]; ok {
		return s
	}
	return []string{"check logs for the raw cloudflared/API output and retry"}
}

// TunnelError is the structured error surfaced to callers of Start/Stop: it
// names the phase that failed, the classified kind, the raw cause, and a
// short list of concrete suggestions, tagged with the transaction's session
// id for correlation with SessionHistory and EventServer logs.
type TunnelError struct {
	Phase         Phase
	Kind          classify.Kind
	Cause         string
	Suggestions   []string
	TransactionID string

	err error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Phase, e.Kind, e.Cause)
}

func (e *TunnelError) Unwrap() error { return e.err }

// invalidPortError builds the structured error for a port outside
// [1, 65535], raised before any external call is made.
func invalidPortError(sessionID string, port int) *TunnelError {
	cause := fmt.Sprintf("port %d is outside the valid range 1-65535", port)
	tErr := &TunnelError{
		Phase:         PhaseValidate,
		Kind:          KindInvalidPort,
		Cause:         cause,
		Suggestions:   []string{"pass a local TCP port between 1 and 65535"},
		TransactionID: sessionID,
		err:           fmt.Errorf("%s", cause),
	}
	log.Error().Str("phase", string(PhaseValidate)).Str("kind", string(KindInvalidPort)).Str("transaction_id", sessionID).Msg(tErr.Cause)
	return tErr
}

// wrapErr classifies err's message and attaches phase/transaction context,
// producing the structured error the caller ultimately receives.
func wrapErr(phase Phase, sessionID string, err error) *TunnelError {
	verdict := classify.Match(err.Error())
	tErr := &TunnelError{
		Phase:         phase,
		Kind:          verdict.Kind,
		Cause:         err.Error(),
		Suggestions:   suggestionsFor(verdict.Kind),
		TransactionID: sessionID,
		err:           err,
	}
	log.Error().Str("phase", string(phase)).Str("kind", string(verdict.Kind)).Str("transaction_id", sessionID).Msg(tErr.Cause)
	return tErr
}
