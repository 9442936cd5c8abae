// Package operator models the points where an automated run has to wait for
// a human: completing a manual login or solving a bot challenge.
package operator

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/entrhq/harvester/pkg/logging"
)

// Kind identifies why the run is suspended.
type Kind string

const (
	KindManualLogin Kind = "manual_login"
	KindChallenge   Kind = "challenge"
)

// ErrInputClosed is returned when the console input ends before the
// operator signalled completion.
var ErrInputClosed = errors.New("operator input closed")

// Request describes a suspension.
type Request struct {
	Kind    Kind
	Account string
	URL     string
	Message string
}

// Operator blocks until a human has handled req, or ctx ends.
type Operator interface {
	Await(ctx context.Context, req Request) error
}

// Func adapts a plain function to Operator.
type Func func(ctx context.Context, req Request) error

// Await calls f.
func (f Func) Await(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Console waits for the operator to press Enter on an input stream.
//
// A single reader goroutine turns input lines into resume signals. A line
// only resumes the suspension that is active when it is read; lines typed
// while nobody is waiting are dropped.
type Console struct {
	in  io.Reader
	log *logging.Logger

	startOnce sync.Once
	inputDone chan struct{}
	notify    chan Request

	mu     sync.Mutex
	waiter chan struct{}
}

// NewConsole creates a console operator reading from in.
func NewConsole(in io.Reader, log *logging.Logger) *Console {
	if log == nil {
		log = logging.Discard()
	}
	return &Console{
		in:        in,
		log:       log.With("operator"),
		inputDone: make(chan struct{}),
		notify:    make(chan Request, 8),
	}
}

// Notifications publishes every request as it starts. Requests are dropped
// when nobody drains the channel.
func (c *Console) Notifications() <-chan Request {
	return c.notify
}

// Resume delivers a resume signal without console input. It has no effect
// when no suspension is active.
func (c *Console) Resume() {
	c.signal()
}

func (c *Console) signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiter == nil {
		return
	}
	select {
	case c.waiter <- struct{}{}:
	default:
	}
}

func (c *Console) start() {
	c.startOnce.Do(func() {
		go func() {
			defer close(c.inputDone)
			scanner := bufio.NewScanner(c.in)
			for scanner.Scan() {
				c.signal()
			}
		}()
	})
}

// Await narrates req and blocks until a line is read from the input.
func (c *Console) Await(ctx context.Context, req Request) error {
	resume := make(chan struct{}, 1)
	c.mu.Lock()
	c.waiter = resume
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiter = nil
		c.mu.Unlock()
	}()

	c.start()

	select {
	case c.notify <- req:
	default:
	}

	c.log.Section("Operator action required")
	c.log.Warnf("%s", describe(req))
	if req.URL != "" {
		c.log.Infof("Browser is at %s", req.URL)
	}
	c.log.Infof("Press Enter when done")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resume:
		c.log.Successf("Resuming")
		return nil
	case <-c.inputDone:
		// the last line may have been delivered just before EOF
		select {
		case <-resume:
			c.log.Successf("Resuming")
			return nil
		default:
		}
		return ErrInputClosed
	}
}

func describe(req Request) string {
	if req.Message != "" {
		return req.Message
	}
	switch req.Kind {
	case KindManualLogin:
		if req.Account != "" {
			return "Log in manually in the browser window for account " + req.Account
		}
		return "Log in manually in the browser window"
	case KindChallenge:
		return "Solve the verification challenge in the browser window"
	default:
		return "Complete the pending step in the browser window"
	}
}
