// Package orchestrator implements the top-level start/stop/status
// transaction: it gathers auth state, picks a tunnel mode, drives the
// command/DNS/supervision components in order, records rollback actions,
// and commits or rolls back atomically.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/channinghe/cftunnel/internal/auth"
	"github.com/channinghe/cftunnel/internal/cfdns"
	"github.com/channinghe/cftunnel/internal/command"
	"github.com/channinghe/cftunnel/internal/configstore"
	"github.com/channinghe/cftunnel/internal/eventserver"
	"github.com/channinghe/cftunnel/internal/history"
	"github.com/channinghe/cftunnel/internal/propagation"
	"github.com/channinghe/cftunnel/internal/reconcile"
	"github.com/channinghe/cftunnel/internal/runtimeconfig"
	"github.com/channinghe/cftunnel/internal/supervisor"
)

// Kind mirrors the TunnelHandle kind.
type Kind string

const (
	KindQuick Kind = "quick"
	KindNamed Kind = "named"
)

// Handle is the live result of a successful Start call.
type Handle struct {
	ID         string
	Name       string
	Kind       Kind
	LocalPort  int
	Hostname   string
	ConfigPath string
	CreatedAt  time.Time

	sessionID string
}

// StartOptions parameterizes a single Start call.
type StartOptions struct {
	Hostname       string
	SkipAuth       bool
	NonInteractive bool
}

// rollbackStep is one entry on the LIFO inverse-action stack.
type rollbackStep struct {
	name string
	fn   func()
}

// Orchestrator composes every lower component behind the two public
// operations, Start and Stop.
type Orchestrator struct {
	cfg *runtimeconfig.Config

	gate       *auth.Gate
	store      *configstore.Store
	builder    *command.Builder
	dns        *cfdns.Client
	reconciler *reconcile.Reconciler
	verifier   *propagation.Verifier
	supervisor *supervisor.Supervisor
	history    *history.Store
	events     *eventserver.Server
}

// New wires every dependency together from cfg. envAPIToken is a fallback
// used only when ConfigStore has no persisted token yet.
func New(cfg *runtimeconfig.Config, configStorePath, ingressConfigPath, envAPIToken string, hist *history.Store, events *eventserver.Server) *Orchestrator {
	store := configstore.New(configStorePath)
	builder := command.New(ingressConfigPath)
	dns := cfdns.NewClient(resolveAPIToken(store, envAPIToken))

	o := &Orchestrator{
		cfg:        cfg,
		gate:       auth.NewGate(store),
		store:      store,
		builder:    builder,
		dns:        dns,
		reconciler: reconcile.New(builder, dns, reconcile.NewExecRunner()),
		verifier:   propagation.New(),
		supervisor: supervisor.New(supervisor.NewExecSpawner()),
		history:    hist,
		events:     events,
	}
	if events != nil {
		go func() {
			for ev := range o.supervisor.Events() {
				o.publish(ev.Kind, ev)
			}
		}()
	}
	return o
}

// resolveAPIToken prefers the token AuthGate itself reads (ConfigStore's
// persisted state.json), falling back to an environment-sourced token only
// when the store has none. This keeps the DNS client and AuthGate's
// hasApiToken verdict talking about the same credential.
func resolveAPIToken(store *configstore.Store, envAPIToken string) string {
	st, err := store.Read()
	if err == nil && st.APIToken != "" {
		return st.APIToken
	}
	return envAPIToken
}

func (o *Orchestrator) publish(kind string, payload any) {
	if o.events == nil {
		return
	}
	o.events.Publish(eventserver.Event{Type: kind, Payload: payload})
}

// chooseMode implements the precondition table: quick unless a usable
// credential file and hostname are available.
func chooseMode(st auth.State, opts StartOptions) Kind {
	if opts.SkipAuth || st.Level == auth.LevelNone {
		return KindQuick
	}
	if (st.Level == auth.LevelCertOnly || st.Level == auth.LevelFull) && opts.Hostname != "" {
		return KindNamed
	}
	return KindQuick
}

// Start provisions and supervises a tunnel for localPort, returning a Handle
// and a public URL on success.
func (o *Orchestrator) Start(ctx context.Context, localPort int, opts StartOptions) (*Handle, string, error) {
	sessionID := uuid.NewString()
	startedAt := time.Now()

	if localPort < 1 || localPort > 65535 {
		return nil, "", invalidPortError(sessionID, localPort)
	}

	st, err := o.gate.Check(ctx)
	if err != nil {
		return nil, "", wrapErr(PhaseAuth, sessionID, fmt.Errorf("checking auth state: %w", err))
	}

	mode := chooseMode(st, opts)
	if mode == KindQuick {
		return o.startQuick(ctx, sessionID, startedAt, localPort)
	}
	return o.startNamed(ctx, sessionID, startedAt, localPort, opts)
}

func (o *Orchestrator) startQuick(ctx context.Context, sessionID string, startedAt time.Time, localPort int) (*Handle, string, error) {
	if o.history != nil {
		_ = o.history.Record(ctx, history.SessionRecord{ID: sessionID, Port: localPort, Kind: history.KindQuick, StartedAt: startedAt})
	}
	o.publish("starting", map[string]any{"sessionId": sessionID, "kind": "quick"})

	url, err := o.supervisor.Start(ctx, supervisor.Options{
		Mode:              supervisor.ModeQuick,
		Binary:            o.builder.Binary,
		LocalPort:         localPort,
		ConfigDirForQuick: filepath.Dir(o.builder.ConfigPath),
		MaxRestarts:       o.cfg.Retry.MaxAttempts,
		RestartDelay:      o.cfg.Retry.BaseDelay,
	})
	if err != nil {
		tErr := wrapErr(PhaseStart, sessionID, err)
		o.finalize(ctx, sessionID, history.OutcomeFailed, "", tErr.Error())
		return nil, "", tErr
	}

	handle := &Handle{ID: sessionID, Kind: KindQuick, LocalPort: localPort, CreatedAt: startedAt, sessionID: sessionID}
	o.finalize(ctx, sessionID, history.OutcomeSuccess, "", "")
	o.publish("ready", map[string]any{"sessionId": sessionID, "url": url})
	return handle, url, nil
}

// startNamed runs the seven-step named-tunnel transaction, pushing an
// inverse action after each successful step.
func (o *Orchestrator) startNamed(ctx context.Context, sessionID string, startedAt time.Time, localPort int, opts StartOptions) (*Handle, string, error) {
	var rollback []rollbackStep
	rollbackAll := func() {
		for i := len(rollback) - 1; i >= 0; i-- {
			step := rollback[i]
			log.Warn().Str("step", step.name).Msg("rolling back")
			step.fn()
		}
	}

	if o.history != nil {
		_ = o.history.Record(ctx, history.SessionRecord{ID: sessionID, Port: localPort, Hostname: opts.Hostname, Kind: history.KindNamed, StartedAt: startedAt})
	}
	o.publish("starting", map[string]any{"sessionId": sessionID, "kind": "named"})

	name := fmt.Sprintf("cftunnel-%s", sessionID[:8])

	// Step 3: create tunnel.
	tunnelID, err := o.createTunnel(ctx, name)
	if err != nil {
		rollbackAll()
		tErr := wrapErr(PhaseCreate, sessionID, err)
		o.finalize(ctx, sessionID, history.OutcomeFailed, "", tErr.Error())
		return nil, "", tErr
	}
	rollback = append(rollback, rollbackStep{"delete-tunnel", func() { _ = o.deleteTunnel(context.Background(), tunnelID) }})

	// Step 2: emit config YAML. cloudflared writes the tunnel's credentials
	// file alongside cert.pem in the same well-known directory.
	credentialsFile := filepath.Join(filepath.Dir(configstore.CredentialFilePath()), tunnelID+".json")
	if err := o.builder.WriteIngress(tunnelID, credentialsFile, opts.Hostname, localPort); err != nil {
		rollbackAll()
		tErr := wrapErr(PhaseConfig, sessionID, err)
		o.finalize(ctx, sessionID, history.OutcomeFailed, "", tErr.Error())
		return nil, "", tErr
	}
	rollback = append(rollback, rollbackStep{"delete-ingress", func() { _ = o.builder.DeleteIngress() }})

	// Step 4: DNS reconciliation.
	result, err := o.reconciler.Reconcile(ctx, tunnelID, opts.Hostname, tunnelID)
	if err != nil {
		rollbackAll()
		tErr := wrapErr(PhaseDNS, sessionID, err)
		o.finalize(ctx, sessionID, history.OutcomeRolledBack, "", tErr.Error())
		return nil, "", tErr
	}
	rollback = append(rollback, rollbackStep{"delete-cname", func() {
		if result.Record.ID != "" {
			_ = o.dns.DeleteRecord(context.Background(), result.Record.ZoneID, result.Record.ID)
		}
	}})

	// Step 5: start the supervisor.
	if _, err := o.supervisor.Start(ctx, supervisor.Options{
		Mode:         supervisor.ModeNamed,
		Binary:       o.builder.Binary,
		ConfigPath:   o.builder.ConfigPath,
		TunnelID:     tunnelID,
		MaxRestarts:  o.cfg.Retry.MaxAttempts,
		RestartDelay: o.cfg.Retry.BaseDelay,
	}); err != nil {
		rollbackAll()
		tErr := wrapErr(PhaseStart, sessionID, err)
		o.finalize(ctx, sessionID, history.OutcomeRolledBack, string(result.Method), tErr.Error())
		return nil, "", tErr
	}
	rollback = append(rollback, rollbackStep{"stop-supervisor", func() { _ = o.supervisor.Stop() }})

	// Step 6: propagation verification.
	policy := propagation.FullPolicy()
	if result.Method == reconcile.MethodCLI || result.Method == reconcile.MethodNoOp {
		policy = propagation.ShortPolicy()
	}
	target := fmt.Sprintf("%s.cfargotunnel.com", tunnelID)
	if !o.verifier.Verify(ctx, opts.Hostname, target, policy) {
		log.Warn().Str("phase", string(PhaseVerify)).Str("hostname", opts.Hostname).Msg("dns propagation not confirmed within policy window; continuing")
	}

	// Step 7: optional end-to-end reachability check. Failure never fails
	// the transaction.
	o.checkReachability(ctx, opts.Hostname)

	handle := &Handle{
		ID: tunnelID, Name: name, Kind: KindNamed, LocalPort: localPort,
		Hostname: opts.Hostname, ConfigPath: o.builder.ConfigPath, CreatedAt: startedAt,
		sessionID: sessionID,
	}
	o.finalize(ctx, sessionID, history.OutcomeSuccess, string(result.Method), "")
	o.publish("ready", map[string]any{"sessionId": sessionID, "hostname": opts.Hostname})
	return handle, fmt.Sprintf("https://%s", opts.Hostname), nil
}

var tunnelIDPattern = regexp.MustCompile(`with id ([a-f0-9-]{36})`)

func (o *Orchestrator) createTunnel(ctx context.Context, name string) (string, error) {
	binary, args := o.builder.Create(name)
	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("creating tunnel: %w: %s", err, strings.TrimSpace(string(out)))
	}
	m := tunnelIDPattern.FindStringSubmatch(string(out))
	if len(m) != 2 {
		return "", fmt.Errorf("could not parse tunnel id from create output: %s", out)
	}
	return m[1], nil
}

func (o *Orchestrator) deleteTunnel(ctx context.Context, id string) error {
	binary, args := o.builder.Delete(id)
	return exec.CommandContext(ctx, binary, args...).Run()
}

// checkReachability issues a single best-effort HEAD request; any response
// (including an origin 404) counts as "reachable" since the tunnel is
// demonstrably carrying traffic. Failure is logged but never fails the
// transaction.
func (o *Orchestrator) checkReachability(ctx context.Context, hostname string) {
	if hostname == "" {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.HTTP)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, fmt.Sprintf("https://%s/__health__", hostname), nil)
	if err != nil {
		log.Debug().Str("phase", string(PhaseE2E)).Err(err).Msg("end-to-end check request build failed")
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Debug().Str("phase", string(PhaseE2E)).Err(err).Str("hostname", hostname).Msg("end-to-end reachability check failed")
		return
	}
	resp.Body.Close()
	log.Info().Int("status", resp.StatusCode).Str("hostname", hostname).Msg("end-to-end reachability check completed")
}

// Stop delegates to the supervisor and finalizes the handle's SessionRecord,
// keeping the DNS method recorded when Start committed.
func (o *Orchestrator) Stop(ctx context.Context, handle *Handle) error {
	err := o.supervisor.Stop()
	method := ""
	if o.history != nil {
		if rec, getErr := o.history.Get(ctx, handle.sessionID); getErr == nil {
			method = rec.MethodUsed
		}
	}
	o.finalize(ctx, handle.sessionID, history.OutcomeSuccess, method, "")
	o.publish("stopped", map[string]any{"sessionId": handle.sessionID})
	return err
}

// Status reads the supervisor's current state without touching transaction
// machinery.
func (o *Orchestrator) Status(handle *Handle) supervisor.State {
	return o.supervisor.State()
}

func (o *Orchestrator) finalize(ctx context.Context, sessionID string, outcome history.Outcome, method, lastErr string) {
	if o.history == nil {
		return
	}
	if err := o.history.Finish(ctx, sessionID, outcome, method, lastErr, time.Now()); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("failed to finalize session record")
	}
}
