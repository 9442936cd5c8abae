// Package supervisor sequences units through login, prompting, harvesting
// and recording, and restarts the browser session after crashes.
//
// # State machine
//
//	Init -> LoggedIn -> Processing -> LoggedIn ... -> Done
//	any  -> Crashed  -> (cooldown) -> Init
//	any  -> Stopped  (context cancelled or restart limit reached)
//
// Every pass re-derives the resume point from the ledger, so a restart never
// repeats a recorded unit. A rate limit during a unit is not a crash: the
// unit is retried in place on the same browser.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/entrhq/harvester/pkg/browser"
	"github.com/entrhq/harvester/pkg/clock"
	"github.com/entrhq/harvester/pkg/config"
	"github.com/entrhq/harvester/pkg/driver"
	"github.com/entrhq/harvester/pkg/ledger"
	"github.com/entrhq/harvester/pkg/logging"
)

// Policy controls crash recovery.
type Policy struct {
	// MaxRestarts caps restarts after crashes. 0 restarts forever.
	MaxRestarts int

	// Cooldown is the pause before every restart
	Cooldown time.Duration

	// CloseBrowserOnCrash tears the browser down after a crash. When false
	// the browser is kept and reused by the next pass.
	CloseBrowserOnCrash bool
}

// PolicyFromConfig derives the restart policy from a run config.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxRestarts:         cfg.MaxRestarts,
		Cooldown:            cfg.RestartCooldown.Duration,
		CloseBrowserOnCrash: cfg.CloseBrowserOnCrash,
	}
}

// Deps are the collaborators of a Supervisor.
type Deps struct {
	Launcher      browser.Launcher
	LaunchOptions browser.LaunchOptions
	Auth          Authenticator
	Ledger        Ledger

	// NewDriver and NewHarvester bind a page to a fresh driver/harvester
	// after every launch.
	NewDriver    func(page browser.Page) Driver
	NewHarvester func(page browser.Page) Harvester

	Clock clock.Clock
	Log   *logging.Logger
}

// Supervisor runs a range of units to completion.
type Supervisor struct {
	cfg    *config.Config
	deps   Deps
	policy Policy
	clock  clock.Clock
	log    *logging.Logger

	state       State
	transitions []State
	instance    browser.Instance
}

// New validates deps and returns a supervisor in StateInit.
func New(cfg *config.Config, deps Deps, policy Policy) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Launcher == nil || deps.Auth == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("launcher, authenticator and ledger are required")
	}
	if deps.NewDriver == nil || deps.NewHarvester == nil {
		return nil, fmt.Errorf("driver and harvester factories are required")
	}
	if policy.MaxRestarts < 0 {
		return nil, fmt.Errorf("max restarts cannot be negative")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}

	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		policy: policy,
		clock:  deps.Clock,
		log:    deps.Log.With("supervisor"),
		state:  StateInit,
	}, nil
}

// State returns the current state.
func (s *Supervisor) State() State {
	return s.state
}

// Transitions returns every state entered so far, in order.
func (s *Supervisor) Transitions() []State {
	out := make([]State, len(s.transitions))
	copy(out, s.transitions)
	return out
}

func (s *Supervisor) transition(to State) {
	if s.state != to {
		s.log.Debugf("State %s -> %s", s.state, to)
	}
	s.state = to
	s.transitions = append(s.transitions, to)
}

// Run processes every unit of r not yet recorded in the ledger.
//
// It returns when all units are recorded (StateDone), when ctx is cancelled,
// or when the restart policy gives up (ErrRestartLimit). The report is
// returned in every case.
func (s *Supervisor) Run(ctx context.Context, r Range) (*Report, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	report := &Report{Range: r, FailedChapters: make(map[int][]int)}
	defer s.teardown()

	for {
		s.transition(StateInit)
		err := s.safePass(ctx, r, report)
		if err == nil {
			s.transition(StateDone)
			report.FinalState = StateDone
			s.log.Successf("All units in %s recorded", r)
			return report, nil
		}

		if ctx.Err() != nil {
			s.transition(StateStopped)
			report.FinalState = StateStopped
			s.log.Warnf("Run cancelled")
			return report, ctx.Err()
		}

		s.transition(StateCrashed)
		s.recordCrash(err)
		if s.policy.CloseBrowserOnCrash {
			s.teardown()
		}

		if s.policy.MaxRestarts > 0 && report.Restarts >= s.policy.MaxRestarts {
			s.transition(StateStopped)
			report.FinalState = StateStopped
			return report, fmt.Errorf("%w after %d restarts: %w", ErrRestartLimit, report.Restarts, err)
		}

		report.Restarts++
		s.log.Infof("Restarting in %s (restart %d)", s.policy.Cooldown, report.Restarts)
		if err := s.clock.Sleep(ctx, s.policy.Cooldown); err != nil {
			s.transition(StateStopped)
			report.FinalState = StateStopped
			return report, err
		}
	}
}

// safePass runs one pass and converts a panic into a *UnitError.
func (s *Supervisor) safePass(ctx context.Context, r Range, report *Report) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &UnitError{Unit: -1, Stage: "session", Err: fmt.Errorf("panic: %v", p), Stack: debug.Stack()}
		}
	}()
	return s.pass(ctx, r, report)
}

func (s *Supervisor) pass(ctx context.Context, r Range, report *Report) error {
	resume, err := s.deps.Ledger.ResumePoint(r.Start)
	if err != nil {
		return &UnitError{Unit: -1, Stage: "resume", Err: err}
	}
	if resume > r.End {
		s.log.Infof("Nothing left to do in %s", r)
		return nil
	}
	if resume != r.Start {
		s.log.Infof("Resuming at unit %d", resume)
	}

	if s.instance == nil {
		instance, err := s.deps.Launcher.Launch(ctx, s.deps.LaunchOptions)
		if err != nil {
			return &UnitError{Unit: -1, Stage: "launch", Err: err}
		}
		s.instance = instance
	} else {
		s.log.Infof("Reusing open browser")
	}
	page := s.instance.Page()

	if _, err := s.deps.Auth.Login(ctx, page); err != nil {
		return &UnitError{Unit: -1, Stage: "login", Err: err}
	}
	s.transition(StateLoggedIn)

	drv := s.deps.NewDriver(page)
	hv := s.deps.NewHarvester(page)

	for n := resume; n <= r.End; n++ {
		done, err := s.deps.Ledger.IsComplete(n)
		if err != nil {
			return &UnitError{Unit: n, Stage: "ledger", Err: err}
		}
		if done {
			s.log.Infof("Unit %d already recorded, skipping", n)
			report.Skipped = append(report.Skipped, n)
			continue
		}

		s.transition(StateProcessing)
		s.log.Section(fmt.Sprintf("Unit %d", n))
		for {
			err := s.processUnit(ctx, n, drv, hv, report)
			if err == nil {
				break
			}
			if errors.Is(err, driver.ErrRateLimited) && ctx.Err() == nil {
				report.RateLimits++
				s.log.Warnf("Unit %d hit a rate limit, retrying", n)
				continue
			}
			return err
		}
		s.transition(StateLoggedIn)
	}
	return nil
}

// processUnit runs one unit end to end. Panics become a *UnitError with
// the stack attached.
func (s *Supervisor) processUnit(ctx context.Context, n int, drv Driver, hv Harvester, report *Report) (err error) {
	stage := "open"
	defer func() {
		if p := recover(); p != nil {
			err = &UnitError{Unit: n, Stage: stage, Err: fmt.Errorf("panic: %v", p), Stack: debug.Stack()}
		}
	}()

	fail := func(e error) error {
		return &UnitError{Unit: n, Stage: stage, Err: e}
	}

	if err := drv.Open(ctx, s.cfg.ProjectLink); err != nil {
		return fail(err)
	}

	stage = "initial prompt"
	if err := drv.Submit(ctx, s.cfg.PromptFor(n)); err != nil {
		return fail(err)
	}
	if err := s.await(ctx, drv, n, 0); err != nil {
		return fail(err)
	}

	for i, prompt := range s.cfg.GenerationPrompts {
		stage = fmt.Sprintf("generation prompt %d", i+1)

		limited, err := drv.RateLimited(ctx)
		if err != nil {
			return fail(err)
		}
		if limited {
			if err := drv.RecoverRateLimit(ctx); err != nil {
				return fail(err)
			}
		}

		if err := drv.Submit(ctx, prompt); err != nil {
			return fail(err)
		}

		limited, err = drv.RateLimited(ctx)
		if err != nil {
			return fail(err)
		}
		if limited {
			if err := drv.RecoverRateLimit(ctx); err != nil {
				return fail(err)
			}
			return fail(driver.ErrRateLimited)
		}

		if err := s.await(ctx, drv, n, i+1); err != nil {
			return fail(err)
		}
	}

	stage = "harvest"
	result, err := hv.Harvest(ctx, n)
	if err != nil {
		return fail(err)
	}

	stage = "record"
	failed := result.Failed()
	rec := ledger.Record{
		CompletedAt:    s.clock.Now().UTC(),
		RunID:          s.log.RunID(),
		Chapters:       len(result.Chapters),
		FailedChapters: failed,
	}
	if err := s.deps.Ledger.MarkComplete(n, rec); err != nil {
		return fail(err)
	}

	report.Processed = append(report.Processed, n)
	if len(failed) > 0 {
		report.FailedChapters[n] = failed
	}
	s.log.Successf("Unit %d recorded (%d chapters)", n, len(result.Chapters))
	return nil
}

func (s *Supervisor) await(ctx context.Context, drv Driver, unit, prompt int) error {
	completion, err := drv.AwaitCompletion(ctx)
	if err != nil {
		return err
	}
	if completion == driver.CompletionTimedOut {
		s.log.Warnf("Unit %d prompt %d: response did not finish in time, continuing", unit, prompt)
	}
	return nil
}

func (s *Supervisor) recordCrash(err error) {
	detail := fmt.Sprintf("error: %+v", err)
	var unitErr *UnitError
	if errors.As(err, &unitErr) && len(unitErr.Stack) > 0 {
		detail += "\n" + string(unitErr.Stack)
	}
	s.log.ErrorDetail(fmt.Sprintf("Crashed: %v", err), detail)
}

func (s *Supervisor) teardown() {
	if s.instance == nil {
		return
	}
	if err := s.instance.Close(); err != nil {
		s.log.Warnf("Closing browser: %v", err)
	}
	s.instance = nil
}
