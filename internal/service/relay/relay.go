// Package relay forwards a generation stream to a client while reconstructing
// and persisting the full response.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/relaychat/backend/internal/model/chat"
	"github.com/zhouzirui/relaychat/backend/internal/service/ai"
	"github.com/zhouzirui/relaychat/backend/pkg/ndjson"
)

// State is a step of a turn.
type State string

const (
	StateIdle       State = "idle"
	StateSending    State = "sending"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeFailed       Outcome = "failed"
)

const readBufferSize = 32 * 1024

// ErrUpstream marks a turn whose generator could not be started.
var ErrUpstream = errors.New("upstream unavailable")

// Sink is the client side of a turn.
type Sink interface {
	// Begin is called once, after the upstream accepted the request and
	// before the first Write.
	Begin() error
	// Write forwards one upstream chunk verbatim.
	Write(p []byte) error
}

// MessageWriter persists messages. chat.Store satisfies it.
type MessageWriter interface {
	CreateMessage(ctx context.Context, sessionID string, role chat.Role, content string) (chat.Message, error)
}

// Result summarises a finished turn.
type Result struct {
	Outcome   Outcome
	Text      string
	Bytes     int64
	Records   int
	Malformed int
	Persisted bool
	// Streamed reports whether Sink.Begin succeeded.
	Streamed bool
	Err      error
}

// Options tunes a Relay.
type Options struct {
	// TurnTimeout bounds a whole turn. Zero disables the bound.
	TurnTimeout time.Duration
	// TextField names the record field holding text. Empty means "response".
	TextField string
	Metrics   *Metrics
	// OnTransition observes state changes; used by tests.
	OnTransition func(sessionID string, from, to State)
}

// Relay runs generation turns.
type Relay struct {
	store     MessageWriter
	generator ai.Generator
	registry  *Registry
	opts      Options
}

// New builds a relay. The registry is shared with whoever serves stop requests.
func New(store MessageWriter, generator ai.Generator, registry *Registry, opts Options) *Relay {
	return &Relay{
		store:     store,
		generator: generator,
		registry:  registry,
		opts:      opts,
	}
}

// Registry returns the session registry backing the relay.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Stop cancels the in-flight turn of sessionID, reporting whether one existed.
func (r *Relay) Stop(sessionID string) bool {
	stopped := r.registry.Cancel(sessionID)
	if stopped {
		log.Printf("[relay] stop requested chat=%s", sessionID)
	}
	return stopped
}

type turn struct {
	relay     *Relay
	sessionID string
	state     State
}

func (t *turn) enter(next State) {
	prev := t.state
	t.state = next
	if t.relay.opts.OnTransition != nil {
		t.relay.opts.OnTransition(t.sessionID, prev, next)
	}
}

// Run executes one turn: persist the prompt, stream the upstream response
// into sink while accumulating its text, then persist the text.
//
// A non-nil error means the sink was never started and the caller still owns
// the response; otherwise the outcome is reported in the Result alone.
func (r *Relay) Run(ctx context.Context, sink Sink, sessionID, prompt string) (Result, error) {
	t := &turn{relay: r, sessionID: sessionID, state: StateIdle}
	started := time.Now()

	h := r.registry.Register(ctx, sessionID)
	r.opts.Metrics.turnStarted()

	res := r.run(ctx, t, h, sink, prompt)

	r.registry.Release(sessionID, h)
	t.enter(StateIdle)
	r.opts.Metrics.turnFinished(res.Outcome, time.Since(started))
	r.logResult(sessionID, h, res)

	if !res.Streamed && res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

func (r *Relay) run(parent context.Context, t *turn, h *Handle, sink Sink, prompt string) Result {
	t.enter(StateSending)

	if _, err := r.store.CreateMessage(parent, t.sessionID, chat.RoleUser, prompt); err != nil {
		t.enter(StateFailed)
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("persist user message: %w", err)}
	}

	ctx := h.Context()
	if r.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.TurnTimeout)
		defer cancel()
	}

	body, err := r.generator.Generate(ctx, prompt)
	if err != nil {
		outcome := r.classify(parent, h)
		res := Result{Outcome: outcome, Err: fmt.Errorf("%w: %w", ErrUpstream, err)}
		if outcome == OutcomeCancelled {
			// Nothing was produced; end the response cleanly.
			res.Err = nil
			res.Streamed = sink.Begin() == nil
			t.enter(StateCancelled)
			return res
		}
		t.enter(StateFailed)
		return res
	}
	defer body.Close()

	// Closing the body unblocks a Read parked on a slow upstream.
	stopClosing := context.AfterFunc(ctx, func() { body.Close() })
	defer stopClosing()

	if err := sink.Begin(); err != nil {
		outcome := r.classify(parent, h)
		if outcome == OutcomeCancelled {
			t.enter(StateCancelled)
		} else {
			t.enter(StateFailed)
		}
		return Result{Outcome: outcome, Err: fmt.Errorf("begin response: %w", err)}
	}
	t.enter(StateStreaming)

	acc := &ndjson.Accumulator{
		Field: r.opts.TextField,
		OnMalformed: func(record []byte, err error) {
			r.opts.Metrics.malformedRecord()
			log.Printf("[relay] skipping malformed record chat=%s: %v: %q", t.sessionID, err, truncate(record, 120))
		},
	}

	res := Result{Streamed: true}
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if err := sink.Write(chunk); err != nil {
				t.enter(StateFailed)
				res.Outcome = r.classify(parent, h)
				res.Err = fmt.Errorf("forward chunk: %w", err)
				return fill(res, acc)
			}
			res.Bytes += int64(n)
			r.opts.Metrics.forwarded(n)
			acc.Write(chunk)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			res.Outcome = r.classify(parent, h)
			if res.Outcome == OutcomeCancelled {
				t.enter(StateCancelled)
			} else {
				t.enter(StateFailed)
				res.Err = fmt.Errorf("read upstream: %w", readErr)
			}
			return fill(res, acc)
		}
	}

	// The upstream finished; a stop arriving from here on changes nothing.
	t.enter(StateFinalizing)
	acc.Close()
	res = fill(res, acc)

	text := strings.TrimSpace(acc.Text())
	if text == "" {
		res.Outcome = OutcomeCompleted
		return res
	}

	if _, err := r.store.CreateMessage(context.WithoutCancel(parent), t.sessionID, chat.RoleBot, text); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("persist bot message: %w", err)
		return res
	}
	res.Persisted = true
	res.Outcome = OutcomeCompleted
	return res
}

// classify maps an interrupted turn to an outcome. A signalled handle wins
// over everything else.
func (r *Relay) classify(parent context.Context, h *Handle) Outcome {
	if h.Signaled() {
		return OutcomeCancelled
	}
	if parent.Err() != nil {
		return OutcomeDisconnected
	}
	return OutcomeFailed
}

func (r *Relay) logResult(sessionID string, h *Handle, res Result) {
	switch res.Outcome {
	case OutcomeCompleted:
		log.Printf("[relay] turn completed chat=%s bytes=%d records=%d malformed=%d persisted=%t",
			sessionID, res.Bytes, res.Records, res.Malformed, res.Persisted)
	case OutcomeCancelled:
		log.Printf("[relay] turn cancelled chat=%s cause=%v bytes=%d", sessionID, h.Cause(), res.Bytes)
	case OutcomeDisconnected:
		log.Printf("[relay] client disconnected chat=%s bytes=%d", sessionID, res.Bytes)
	default:
		log.Printf("[relay] turn failed chat=%s bytes=%d: %v", sessionID, res.Bytes, res.Err)
	}
}

func fill(res Result, acc *ndjson.Accumulator) Result {
	res.Text = acc.Text()
	res.Records = acc.Records()
	res.Malformed = acc.Malformed()
	return res
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
