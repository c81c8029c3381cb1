// Package reconcile drives the three-layer CLI -> conflict-resolution -> API
// fallback that makes a CNAME exist pointing a hostname at a tunnel.
package reconcile

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/channinghe/cftunnel/internal/cfdns"
	"github.com/channinghe/cftunnel/internal/classify"
	"github.com/channinghe/cftunnel/internal/command"
)

// Method names the layer (or sub-path) that ultimately satisfied the
// reconciliation, consumed by the propagation verifier to choose a policy.
type Method string

const (
	MethodCLI          Method = "cli"
	MethodCLIOverwrite Method = "cli-overwrite"
	MethodNoOp         Method = "no-op"
	MethodAPI          Method = "api"
	MethodAPIUpdate    Method = "api-update"
	MethodAPIAdopted   Method = "api-adopted"
)

// Result reports how the CNAME ended up configured.
type Result struct {
	Method  Method
	Record  cfdns.Record
}

// Runner executes the cloudflared binary; production code uses execRunner,
// tests substitute a scripted fake.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (stdout, stderr string, err error)
}

// execRunner shells out to the real binary via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// NewExecRunner returns a Runner backed by the real cloudflared binary.
func NewExecRunner() Runner { return execRunner{} }

// Reconciler composes CommandBuilder, DNSClient, and the ErrorClassifier.
type Reconciler struct {
	builder *command.Builder
	dns     *cfdns.Client
	runner  Runner

	// Interactive controls Layer 2's branch when one or more conflicting
	// records are found; non-interactive always defaults to "update".
	Interactive bool
	// Prompt is consulted only when Interactive is true.
	Prompt func(existing []cfdns.Record) (choice string) // "update" | "delete-and-recreate" | "cancel"
}

// New returns a Reconciler wired to builder, dns, and runner.
func New(builder *command.Builder, dns *cfdns.Client, runner Runner) *Reconciler {
	return &Reconciler{builder: builder, dns: dns, runner: runner}
}

// Reconcile makes a CNAME <fqdn> -> <tunnelID>.cfargotunnel.com exist with
// proxied=false, trying the CLI first. A CLI failure classified as an
// existing record goes to conflict resolution; any other CLI failure goes
// straight to a direct API create.
func (r *Reconciler) Reconcile(ctx context.Context, tunnelIDOrName, fqdn, tunnelID string) (Result, error) {
	target := fmt.Sprintf("%s.cfargotunnel.com", tunnelID)

	res, ok, conflict := r.layer1(ctx, tunnelIDOrName, fqdn)
	if ok {
		return res, nil
	}
	if !conflict {
		return r.layer3(ctx, fqdn, target)
	}

	res, fallThrough, err := r.layer2(ctx, tunnelIDOrName, fqdn, target)
	if !fallThrough {
		return res, err
	}

	return r.layer3(ctx, fqdn, target)
}

// layer1 invokes `route-dns` via the CommandBuilder. ok=true means the CLI
// configured the record. Otherwise conflict reports whether the failure was
// classified as an existing record (the caller proceeds to layer2) or not
// (the caller proceeds to layer3).
func (r *Reconciler) layer1(ctx context.Context, tunnelIDOrName, fqdn string) (Result, bool, bool) {
	name, args := r.builder.RouteDNS(tunnelIDOrName, fqdn, false)
	stdout, stderr, err := r.runner.Run(ctx, name, args)
	if err == nil {
		return Result{Method: MethodCLI}, true, false
	}

	verdict := classify.Match(stdout + "\n" + stderr)
	if verdict.Kind != classify.DNSRecordExists {
		return Result{}, false, false
	}

	name, args = r.builder.RouteDNS(tunnelIDOrName, fqdn, true)
	_, _, err = r.runner.Run(ctx, name, args)
	if err == nil {
		return Result{Method: MethodCLIOverwrite}, true, true
	}
	return Result{}, false, true
}

// layer2 lists existing records for fqdn and branches on what's found.
// fallThrough=true means layer3 should still run.
func (r *Reconciler) layer2(ctx context.Context, tunnelIDOrName, fqdn, target string) (Result, bool, error) {
	existing, err := r.dns.ListRecordsByName(ctx, fqdn)
	if err != nil || len(existing) == 0 {
		return Result{}, true, nil
	}

	for _, rec := range existing {
		if rec.Type == cfdns.TypeCNAME && rec.Content == target {
			return Result{Method: MethodNoOp, Record: rec}, false, nil
		}
	}

	choice := "update"
	if r.Interactive && r.Prompt != nil {
		choice = r.Prompt(existing)
	}

	switch choice {
	case "cancel":
		return Result{}, false, fmt.Errorf("dns conflict resolution cancelled by user")

	case "delete-and-recreate":
		for _, rec := range existing {
			if rec.Type == cfdns.TypeCNAME {
				_ = r.dns.DeleteRecord(ctx, rec.ZoneID, rec.ID)
			}
		}
		select {
		case <-ctx.Done():
			return Result{}, false, ctx.Err()
		case <-time.After(2 * time.Second):
		}
		if res, ok, _ := r.layer1(ctx, tunnelIDOrName, fqdn); ok {
			return res, false, nil
		}
		return Result{}, true, nil

	default: // "update"
		for _, rec := range existing {
			if rec.Type != cfdns.TypeCNAME {
				continue
			}
			ttl := rec.TTL
			if ttl == 0 {
				ttl = 300
			}
			updated := rec
			updated.Content = target
			updated.Proxied = false
			updated.TTL = ttl
			out, err := r.dns.UpdateRecord(ctx, updated)
			if err != nil {
				return Result{}, false, err
			}
			return Result{Method: MethodAPIUpdate, Record: out}, false, nil
		}
		return Result{}, true, nil
	}
}

// layer3 resolves the zone and creates the record directly via the API,
// adopting an already-existing record rather than failing outright.
func (r *Reconciler) layer3(ctx context.Context, fqdn, target string) (Result, error) {
	record := cfdns.CNAMEForTunnel(fqdn, strings.TrimSuffix(target, ".cfargotunnel.com"), 300)

	out, err := r.dns.CreateRecord(ctx, record)
	if err == nil {
		return Result{Method: MethodAPI, Record: out}, nil
	}

	if classify.ContainsAny(err.Error(), "already exists") {
		existing, lookupErr := r.dns.GetRecordByName(ctx, fqdn, cfdns.TypeCNAME)
		if lookupErr == nil {
			log.Info().Str("hostname", fqdn).Msg("adopted pre-existing dns record")
			return Result{Method: MethodAPIAdopted, Record: existing}, nil
		}
	}

	return Result{}, err
}
