package orchestrator

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/channinghe/cftunnel/internal/auth"
	"github.com/channinghe/cftunnel/internal/cfdns"
	"github.com/channinghe/cftunnel/internal/command"
	"github.com/channinghe/cftunnel/internal/configstore"
	"github.com/channinghe/cftunnel/internal/history"
	"github.com/channinghe/cftunnel/internal/propagation"
	"github.com/channinghe/cftunnel/internal/reconcile"
	"github.com/channinghe/cftunnel/internal/runtimeconfig"
	"github.com/channinghe/cftunnel/internal/supervisor"
)

type fakeProcess struct {
	stdout, stderr *bytes.Buffer
	waitCh         chan error
}

func (p *fakeProcess) Stdout() io.Reader               { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader               { return p.stderr }
func (p *fakeProcess) Pid() int                        { return 1 }
func (p *fakeProcess) Signal(sig syscall.Signal) error { p.waitCh <- nil; return nil }
func (p *fakeProcess) Wait() error                     { return <-p.waitCh }
func (p *fakeProcess) Kill() error                     { return nil }

type fakeSpawner struct{ stdout, stderr string }

func (s *fakeSpawner) Start(ctx context.Context, name string, args []string) (supervisor.Process, error) {
	return &fakeProcess{
		stdout: bytes.NewBufferString(s.stdout),
		stderr: bytes.NewBufferString(s.stderr),
		waitCh: make(chan error, 1),
	}, nil
}

func newTestOrchestrator(t *testing.T, spawnerStdout string) *Orchestrator {
	t.Helper()
	dir := t.TempDir()

	histStore, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("opening history store: %v", err)
	}
	t.Cleanup(func() { histStore.Close() })

	store := configstore.New(filepath.Join(dir, "config.json"))
	builder := command.New(filepath.Join(dir, "ingress.yml"))
	dns := cfdns.NewClient("")

	return &Orchestrator{
		cfg:        runtimeconfig.Default(),
		gate:       auth.NewGate(store),
		store:      store,
		builder:    builder,
		dns:        dns,
		reconciler: reconcile.New(builder, dns, reconcile.NewExecRunner()),
		verifier:   propagation.New(),
		supervisor: supervisor.New(&fakeSpawner{stdout: spawnerStdout}),
		history:    histStore,
	}
}

func TestStartRejectsOutOfRangePortBeforeAnyExternalCall(t *testing.T) {
	for _, port := range []int{0, -1, 65536, 100000} {
		o := newTestOrchestrator(t, "")
		_, _, err := o.Start(context.Background(), port, StartOptions{})
		if err == nil {
			t.Fatalf("expected an error for port %d", port)
		}
		tErr, ok := err.(*TunnelError)
		if !ok {
			t.Fatalf("expected *TunnelError for port %d, got %T", port, err)
		}
		if tErr.Phase != PhaseValidate {
			t.Fatalf("expected phase %s for port %d, got %s", PhaseValidate, port, tErr.Phase)
		}
	}
}

func TestStartQuickWithNoAuthProducesURL(t *testing.T) {
	o := newTestOrchestrator(t, "your url is https://random-words.trycloudflare.com\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, url, err := o.Start(ctx, 8080, StartOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.Kind != KindQuick {
		t.Fatalf("expected quick mode with no auth, got %s", handle.Kind)
	}
	if url == "" {
		t.Fatal("expected a non-empty url")
	}

	sessions, err := o.history.List(ctx)
	if err != nil {
		t.Fatalf("listing sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Outcome != history.OutcomeSuccess {
		t.Fatalf("expected one successful session record, got %+v", sessions)
	}
}

func TestChooseModeSkipAuthForcesQuick(t *testing.T) {
	st := auth.State{Level: auth.LevelFull}
	mode := chooseMode(st, StartOptions{SkipAuth: true, Hostname: "app.example.com"})
	if mode != KindQuick {
		t.Fatalf("expected quick when SkipAuth is set, got %s", mode)
	}
}

func TestChooseModeNamedRequiresHostname(t *testing.T) {
	st := auth.State{Level: auth.LevelFull}
	if mode := chooseMode(st, StartOptions{}); mode != KindQuick {
		t.Fatalf("expected quick without hostname even at full auth, got %s", mode)
	}
	if mode := chooseMode(st, StartOptions{Hostname: "app.example.com"}); mode != KindNamed {
		t.Fatalf("expected named with hostname at full auth, got %s", mode)
	}
}

func TestStartNamedFailureReturnsStructuredError(t *testing.T) {
	o := newTestOrchestrator(t, "")
	// Point at a binary that cannot exist so create-tunnel fails
	// deterministically regardless of what's on the test runner's PATH.
	o.builder.Binary = filepath.Join(t.TempDir(), "cloudflared-does-not-exist")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := o.startNamed(ctx, "deadbeef-test-session", time.Now(), 8080, StartOptions{Hostname: "app.example.com"})
	if err == nil {
		t.Fatal("expected an error from a named start with no real cloudflared binary")
	}
	tErr, ok := err.(*TunnelError)
	if !ok {
		t.Fatalf("expected *TunnelError, got %T", err)
	}
	if tErr.Phase != PhaseCreate {
		t.Fatalf("expected phase %s, got %s", PhaseCreate, tErr.Phase)
	}
	if tErr.TransactionID == "" {
		t.Fatal("expected a non-empty transaction id")
	}
	if len(tErr.Suggestions) == 0 {
		t.Fatal("expected at least one suggestion")
	}
}

func TestChooseModeAPIOnlyIsQuick(t *testing.T) {
	st := auth.State{Level: auth.LevelAPIOnly}
	if mode := chooseMode(st, StartOptions{Hostname: "app.example.com"}); mode != KindQuick {
		t.Fatalf("named tunnel requires the credential file; api-only must stay quick, got %s", mode)
	}
}
