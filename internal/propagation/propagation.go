// Package propagation verifies that a newly written CNAME has become
// observable from authoritative and public DNS resolvers, fanning queries
// out across goroutines and retrying with exponential backoff.
package propagation

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy controls the verifier's retry/backoff behavior.
type Policy struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxTotalWait     time.Duration
	UseAuthoritative bool
}

// FullPolicy is used when Layer 1 of the reconciler did not already confirm
// creation via the CLI.
func FullPolicy() Policy {
	return Policy{MaxRetries: 8, InitialDelay: 2 * time.Second, MaxTotalWait: 120 * time.Second, UseAuthoritative: true}
}

// ShortPolicy is used when a successful CLI creation already happened:
// blocking on the long policy would be user-visible dead time without
// information gain.
func ShortPolicy() Policy {
	return Policy{MaxRetries: 3, MaxTotalWait: 30 * time.Second, UseAuthoritative: false}
}

var publicResolvers = []string{"1.1.1.1:53", "8.8.8.8:53", "8.8.4.4:53"}

// Verifier issues multi-resolver DNS queries until the expected CNAME target
// is observed or the policy's deadline expires.
type Verifier struct{}

// New returns a ready-to-use Verifier.
func New() *Verifier {
	return &Verifier{}
}

// Verify returns true once any queried resolver reports fqdn's CNAME as
// expectedTarget under suffix-tolerant equality, or false once the policy's
// retries are used up or its total-wait deadline elapses.
func (v *Verifier) Verify(ctx context.Context, fqdn, expectedTarget string, policy Policy) bool {
	deadline := time.Now().Add(policy.MaxTotalWait)
	delay := policy.InitialDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	resolvers := v.resolverList(ctx, fqdn, policy)

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if time.Now().After(deadline) {
			return false
		}

		if v.round(ctx, resolvers, fqdn, expectedTarget) {
			return true
		}

		sleep := delay
		if time.Now().Add(sleep).After(deadline) {
			sleep = time.Until(deadline)
		}
		if sleep <= 0 {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return false
}

// resolverList builds the set of resolver addresses to query this round: up
// to two authoritative servers (when enabled) followed by the fixed public
// resolver list.
func (v *Verifier) resolverList(ctx context.Context, fqdn string, policy Policy) []string {
	resolvers := []string{}
	if policy.UseAuthoritative {
		resolvers = append(resolvers, authoritativeServers(ctx, fqdn, 2)...)
	}
	resolvers = append(resolvers, publicResolvers...)
	return resolvers
}

// round fans a single query out to every resolver concurrently, waits for
// all of them, and reports "observed" if any of them matched.
func (v *Verifier) round(ctx context.Context, resolvers []string, fqdn, expectedTarget string) bool {
	var wg sync.WaitGroup
	var mu sync.Mutex
	observed := false

	for _, addr := range resolvers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			got, err := lookupCNAME(ctx, addr, fqdn)
			if err != nil {
				log.Debug().Err(err).Str("resolver", addr).Str("fqdn", fqdn).Msg("propagation query failed")
				return
			}
			if suffixTolerantEqual(got, expectedTarget) {
				mu.Lock()
				observed = true
				mu.Unlock()
			}
		}(addr)
	}
	wg.Wait()

	return observed
}

func lookupCNAME(ctx context.Context, resolverAddr, fqdn string) (string, error) {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, network, resolverAddr)
		},
	}
	return r.LookupCNAME(ctx, fqdn)
}

// authoritativeServers resolves the NS records of fqdn's registrable parent
// and returns up to n of them as "host:53" resolver addresses.
func authoritativeServers(ctx context.Context, fqdn string, n int) []string {
	parent := registrableParent(fqdn)
	nsRecords, err := net.DefaultResolver.LookupNS(ctx, parent)
	if err != nil {
		return nil
	}

	out := make([]string, 0, n)
	for _, ns := range nsRecords {
		if len(out) >= n {
			break
		}
		out = append(out, net.JoinHostPort(strings.TrimSuffix(ns.Host, "."), "53"))
	}
	return out
}

// registrableParent keeps the last two labels of fqdn, a crude approximation
// of the registrable domain that is good enough to find NS records for
// typical two-label zones (example.com) and subdomains of them.
func registrableParent(fqdn string) string {
	fqdn = strings.TrimSuffix(fqdn, ".")
	labels := strings.Split(fqdn, ".")
	if len(labels) <= 2 {
		return fqdn
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// suffixTolerantEqual compares two CNAME targets ignoring a trailing dot and
// matching either direction of containment, because authoritative servers
// sometimes return the apex form and recursors the canonical form.
func suffixTolerantEqual(got, want string) bool {
	got = strings.ToLower(strings.TrimSuffix(got, "."))
	want = strings.ToLower(strings.TrimSuffix(want, "."))
	if got == want {
		return true
	}
	return strings.HasSuffix(got, want) || strings.HasSuffix(want, got)
}
