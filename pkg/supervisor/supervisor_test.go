package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/harvester/pkg/browser"
	"github.com/entrhq/harvester/pkg/browser/browsertest"
	"github.com/entrhq/harvester/pkg/clock"
	"github.com/entrhq/harvester/pkg/config"
	"github.com/entrhq/harvester/pkg/driver"
	"github.com/entrhq/harvester/pkg/harvest"
	"github.com/entrhq/harvester/pkg/ledger"
	"github.com/entrhq/harvester/pkg/logging"
	"github.com/entrhq/harvester/pkg/session"
)

// harness wires a supervisor to scripted collaborators.
type harness struct {
	t        *testing.T
	cfg      *config.Config
	ledger   *ledger.Ledger
	launcher *browsertest.Launcher
	clock    *clock.Fake
	log      *logging.Logger

	unit      int
	submitted []string
	harvested []int
	logins    int
	recovered int

	// hooks return a non-nil error (or panic) to script failures
	onSubmit      func(unit int, prompt string) error
	onHarvest     func(unit int) error
	onRateLimited func(unit int) bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	return &harness{
		t: t,
		cfg: &config.Config{
			ProjectLink:       "https://claude.ai/project/p1",
			InitialPrompt:     "Outline video {n}",
			PlaceholderToken:  "{n}",
			GenerationPrompts: []string{"gen A", "gen B"},
		},
		ledger:   ledger.New(t.TempDir(), clk),
		launcher: &browsertest.Launcher{},
		clock:    clk,
		log:      logging.Discard(),
	}
}

func (h *harness) supervisor(policy Policy) *Supervisor {
	return h.supervisorWithLedger(policy, h.ledger)
}

func (h *harness) supervisorWithLedger(policy Policy, l Ledger) *Supervisor {
	h.t.Helper()
	s, err := New(h.cfg, Deps{
		Launcher: h.launcher,
		Auth:     &fakeAuth{h: h},
		Ledger:   l,
		NewDriver: func(page browser.Page) Driver {
			return &fakeDriver{h: h}
		},
		NewHarvester: func(page browser.Page) Harvester {
			return &fakeHarvester{h: h}
		},
		Clock: h.clock,
		Log:   h.log,
	}, policy)
	require.NoError(h.t, err)
	return s
}

func (h *harness) completed() []int {
	units, err := h.ledger.Completed()
	require.NoError(h.t, err)
	return units
}

type fakeAuth struct{ h *harness }

func (a *fakeAuth) Login(ctx context.Context, page browser.Page) (*session.LoginResult, error) {
	a.h.logins++
	return &session.LoginResult{State: session.StateAuthenticated, Path: session.PathStoredSession}, nil
}

type fakeDriver struct{ h *harness }

func (d *fakeDriver) Open(ctx context.Context, url string) error {
	return ctx.Err()
}

func (d *fakeDriver) Submit(ctx context.Context, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var n int
	if _, err := fmt.Sscanf(prompt, "Outline video %d", &n); err == nil {
		d.h.unit = n
	}
	d.h.submitted = append(d.h.submitted, prompt)
	if d.h.onSubmit != nil {
		return d.h.onSubmit(d.h.unit, prompt)
	}
	return nil
}

func (d *fakeDriver) AwaitCompletion(ctx context.Context) (driver.Completion, error) {
	return driver.CompletionDone, ctx.Err()
}

func (d *fakeDriver) RateLimited(ctx context.Context) (bool, error) {
	if d.h.onRateLimited != nil {
		return d.h.onRateLimited(d.h.unit), nil
	}
	return false, nil
}

func (d *fakeDriver) RecoverRateLimit(ctx context.Context) error {
	d.h.recovered++
	return nil
}

type fakeHarvester struct{ h *harness }

func (f *fakeHarvester) Harvest(ctx context.Context, unit int) (*harvest.Result, error) {
	if f.h.onHarvest != nil {
		if err := f.h.onHarvest(unit); err != nil {
			return nil, err
		}
	}
	f.h.harvested = append(f.h.harvested, unit)
	return &harvest.Result{
		Unit: unit,
		Chapters: []harvest.Chapter{
			{Number: 1, OK: true},
			{Number: 2, OK: true},
		},
	}, nil
}

// eagerLedger always resumes at the range start, forcing per-unit checks.
type eagerLedger struct{ *ledger.Ledger }

func (e eagerLedger) ResumePoint(start int) (int, error) {
	return start, nil
}

var defaultPolicy = Policy{Cooldown: 60 * time.Second, CloseBrowserOnCrash: true}

func TestRun_ProcessesRange(t *testing.T) {
	h := newHarness(t)
	s := h.supervisor(defaultPolicy)

	report, err := s.Run(context.Background(), Range{Start: 1, End: 3})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, report.Processed)
	assert.Equal(t, StateDone, report.FinalState)
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, []int{1, 2, 3}, h.completed())

	assert.Equal(t, []string{
		"Outline video 1", "gen A", "gen B",
		"Outline video 2", "gen A", "gen B",
		"Outline video 3", "gen A", "gen B",
	}, h.submitted)

	instances := h.launcher.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, 1, instances[0].Closed())

	transitions := s.Transitions()
	assert.Equal(t, StateInit, transitions[0])
	assert.Equal(t, StateLoggedIn, transitions[1])
	assert.Equal(t, StateProcessing, transitions[2])
	assert.Equal(t, StateDone, transitions[len(transitions)-1])
}

func TestRun_ResumeAfterRecordedUnits(t *testing.T) {
	h := newHarness(t)
	for _, n := range []int{3, 4, 5} {
		require.NoError(t, h.ledger.MarkComplete(n, ledger.Record{}))
	}

	report, err := h.supervisor(defaultPolicy).Run(context.Background(), Range{Start: 3, End: 10})
	require.NoError(t, err)

	assert.Equal(t, []int{6, 7, 8, 9, 10}, report.Processed)
	assert.Equal(t, []int{6, 7, 8, 9, 10}, h.harvested)
	assert.Equal(t, []int{3, 4, 5, 6, 7, 8, 9, 10}, h.completed())
}

func TestRun_NothingToDo(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.MarkComplete(1, ledger.Record{}))
	require.NoError(t, h.ledger.MarkComplete(2, ledger.Record{}))

	report, err := h.supervisor(defaultPolicy).Run(context.Background(), Range{Start: 1, End: 2})
	require.NoError(t, err)

	assert.Empty(t, report.Processed)
	assert.Empty(t, h.launcher.Instances(), "no browser for a finished range")
}

func TestRun_SkipsRecordedUnits(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.MarkComplete(2, ledger.Record{}))

	s := h.supervisorWithLedger(defaultPolicy, eagerLedger{h.ledger})
	report, err := s.Run(context.Background(), Range{Start: 1, End: 3})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, report.Processed)
	assert.Equal(t, []int{2}, report.Skipped)
	assert.Equal(t, []int{1, 3}, h.harvested)
	assert.NotContains(t, h.submitted, "Outline video 2")
}

func TestRun_RateLimitMidSubmissionIsNotACrash(t *testing.T) {
	h := newHarness(t)
	limited := false
	h.onSubmit = func(unit int, prompt string) error {
		if unit == 2 && prompt == "gen B" && !limited {
			limited = true
			return fmt.Errorf("send button unavailable: %w", driver.ErrRateLimited)
		}
		return nil
	}

	report, err := h.supervisor(defaultPolicy).Run(context.Background(), Range{Start: 1, End: 3})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, report.Processed)
	assert.Equal(t, 1, report.RateLimits)
	assert.Zero(t, report.Restarts)
	assert.Len(t, h.launcher.Instances(), 1, "no teardown for a rate limit")
	assert.Empty(t, h.clock.Sleeps(), "no restart cooldown")

	// unit 2 started over from its initial prompt
	count := 0
	for _, p := range h.submitted {
		if p == "Outline video 2" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestRun_RateLimitAfterSubmitRetriesUnit(t *testing.T) {
	h := newHarness(t)
	checks := 0
	h.onRateLimited = func(unit int) bool {
		if unit != 1 {
			return false
		}
		checks++
		// second check is the one right after submitting "gen A"
		return checks == 2
	}

	report, err := h.supervisor(defaultPolicy).Run(context.Background(), Range{Start: 1, End: 1})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, report.Processed)
	assert.Equal(t, 1, report.RateLimits)
	assert.Equal(t, 1, h.recovered)
}

func TestRun_RateLimitBeforeSubmitRecoversAndProceeds(t *testing.T) {
	h := newHarness(t)
	checks := 0
	h.onRateLimited = func(unit int) bool {
		checks++
		return checks == 1
	}

	report, err := h.supervisor(defaultPolicy).Run(context.Background(), Range{Start: 1, End: 1})
	require.NoError(t, err)

	assert.Zero(t, report.RateLimits)
	assert.Equal(t, 1, h.recovered)
	assert.Equal(t, []string{"Outline video 1", "gen A", "gen B"}, h.submitted)
}

func TestRun_ThreeCrashesThenSuccess(t *testing.T) {
	h := newHarness(t)
	crashes := 0
	h.onHarvest = func(unit int) error {
		if unit == 2 && crashes < 3 {
			crashes++
			// the crashing unit must not be recorded
			done, err := h.ledger.IsComplete(2)
			require.NoError(t, err)
			assert.False(t, done)
			return errors.New("artifact panel vanished")
		}
		return nil
	}

	report, err := h.supervisor(defaultPolicy).Run(context.Background(), Range{Start: 1, End: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Restarts)
	assert.Equal(t, []int{1, 2, 3}, report.Processed)
	assert.Equal(t, []time.Duration{60 * time.Second, 60 * time.Second, 60 * time.Second}, h.clock.Sleeps())

	instances := h.launcher.Instances()
	require.Len(t, instances, 4, "one fresh browser per restart")
	for _, inst := range instances {
		assert.Equal(t, 1, inst.Closed())
	}

	// unit 1 was never repeated after restarts
	assert.Equal(t, []int{1, 2, 3}, h.harvested)
	assert.Equal(t, 4, h.logins)
}

func TestRun_RestartLimit(t *testing.T) {
	h := newHarness(t)
	h.onHarvest = func(unit int) error {
		if unit == 2 {
			return errors.New("always broken")
		}
		return nil
	}

	policy := defaultPolicy
	policy.MaxRestarts = 2
	report, err := h.supervisor(policy).Run(context.Background(), Range{Start: 1, End: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRestartLimit)

	var unitErr *UnitError
	require.True(t, errors.As(err, &unitErr))
	assert.Equal(t, 2, unitErr.Unit)
	assert.Equal(t, "harvest", unitErr.Stage)

	assert.Equal(t, StateStopped, report.FinalState)
	assert.Equal(t, 2, report.Restarts)
	assert.Len(t, h.launcher.Instances(), 3, "three crashes, three teardowns")
	assert.Len(t, h.clock.Sleeps(), 2)
	assert.Equal(t, []int{1}, h.completed())
}

func TestRun_PanicRecoveredWithStack(t *testing.T) {
	h := newHarness(t)
	logDir := t.TempDir()
	log, err := logging.New(logging.Options{Dir: logDir})
	require.NoError(t, err)
	defer log.Close()
	h.log = log

	panicked := false
	h.onHarvest = func(unit int) error {
		if !panicked {
			panicked = true
			panic("nil element")
		}
		return nil
	}

	report, err := h.supervisor(defaultPolicy).Run(context.Background(), Range{Start: 1, End: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restarts)
	assert.Equal(t, []int{1}, h.completed())

	data, err := os.ReadFile(log.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "panic: nil element")
	assert.Contains(t, string(data), "goroutine")
}

func TestRun_KeepBrowserOnCrash(t *testing.T) {
	h := newHarness(t)
	failed := false
	h.onHarvest = func(unit int) error {
		if !failed {
			failed = true
			return errors.New("transient")
		}
		return nil
	}

	policy := defaultPolicy
	policy.CloseBrowserOnCrash = false
	report, err := h.supervisor(policy).Run(context.Background(), Range{Start: 1, End: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Restarts)
	instances := h.launcher.Instances()
	require.Len(t, instances, 1, "browser reused after the crash")
	assert.Equal(t, 1, instances[0].Closed(), "closed once when the run ends")
	assert.Equal(t, 2, h.logins)
}

func TestRun_LaunchFailureRestarts(t *testing.T) {
	h := newHarness(t)
	h.launcher.Err = errors.New("chromium missing")

	policy := defaultPolicy
	policy.MaxRestarts = 1
	_, err := h.supervisor(policy).Run(context.Background(), Range{Start: 1, End: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRestartLimit)

	var unitErr *UnitError
	require.True(t, errors.As(err, &unitErr))
	assert.Equal(t, -1, unitErr.Unit)
	assert.Equal(t, "launch", unitErr.Stage)
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.onSubmit = func(unit int, prompt string) error {
		if unit == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	s := h.supervisor(defaultPolicy)
	report, err := s.Run(ctx, Range{Start: 1, End: 3})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStopped, report.FinalState)
	assert.Equal(t, []int{1}, h.completed())
	assert.Zero(t, report.Restarts)
	assert.Equal(t, 1, h.launcher.Instances()[0].Closed())
}

func TestRun_FailedChaptersReported(t *testing.T) {
	h := newHarness(t)
	s, err := New(h.cfg, Deps{
		Launcher:  h.launcher,
		Auth:      &fakeAuth{h: h},
		Ledger:    h.ledger,
		NewDriver: func(browser.Page) Driver { return &fakeDriver{h: h} },
		NewHarvester: func(browser.Page) Harvester {
			return harvesterFunc(func(ctx context.Context, unit int) (*harvest.Result, error) {
				return &harvest.Result{Unit: unit, Chapters: []harvest.Chapter{
					{Number: 1, OK: true},
					{Number: 2, OK: false},
					{Number: 3, OK: true},
				}}, nil
			})
		},
		Clock: h.clock,
	}, defaultPolicy)
	require.NoError(t, err)

	report, err := s.Run(context.Background(), Range{Start: 4, End: 4})
	require.NoError(t, err)
	assert.Equal(t, map[int][]int{4: {2}}, report.FailedChapters)

	rec, err := h.ledger.Load(4)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Chapters)
	assert.Equal(t, []int{2}, rec.FailedChapters)
	assert.Contains(t, report.String(), "unit 4 [2]")
}

type harvesterFunc func(ctx context.Context, unit int) (*harvest.Result, error)

func (f harvesterFunc) Harvest(ctx context.Context, unit int) (*harvest.Result, error) {
	return f(ctx, unit)
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := New(nil, Deps{}, defaultPolicy)
	assert.Error(t, err)

	_, err = New(h.cfg, Deps{Launcher: h.launcher}, defaultPolicy)
	assert.Error(t, err)

	_, err = New(h.cfg, Deps{
		Launcher:     h.launcher,
		Auth:         &fakeAuth{h: h},
		Ledger:       h.ledger,
		NewDriver:    func(browser.Page) Driver { return &fakeDriver{h: h} },
		NewHarvester: func(browser.Page) Harvester { return &fakeHarvester{h: h} },
	}, Policy{MaxRestarts: -1})
	assert.Error(t, err)
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		input   string
		want    Range
		wantErr bool
	}{
		{"3-10", Range{3, 10}, false},
		{" 0 - 4 ", Range{0, 4}, false},
		{"7", Range{7, 7}, false},
		{"5-5", Range{5, 5}, false},
		{"10-3", Range{}, true},
		{"-1-3", Range{}, true},
		{"a-b", Range{}, true},
		{"", Range{}, true},
		{"3-", Range{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRange(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnitError(t *testing.T) {
	cause := errors.New("boom")
	err := &UnitError{Unit: 3, Stage: "harvest", Err: cause}
	assert.Equal(t, "unit 3: harvest: boom", err.Error())
	assert.ErrorIs(t, err, cause)

	session := &UnitError{Unit: -1, Stage: "login", Err: cause}
	assert.True(t, strings.HasPrefix(session.Error(), "login:"))
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRestarts = 4

	p := PolicyFromConfig(cfg)
	assert.Equal(t, 4, p.MaxRestarts)
	assert.Equal(t, 60*time.Second, p.Cooldown)
	assert.True(t, p.CloseBrowserOnCrash)
}
