package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/chatflow/internal/types"
)

// ErrStopped is returned by Enqueue after the dispatcher has shut down.
var ErrStopped = errors.New("turn dispatcher stopped")

// Turn is one queued completion request. OnDone, when set, receives the
// finished completion or the error that ended the turn.
type Turn struct {
	Payload types.CompletionPayload
	Opts    SendOptions
	OnDone  func(*Completion, error)
}

// Lanes serializes turns per conversation while a global semaphore bounds
// cross-conversation parallelism. Each conversation gets its own FIFO
// channel on first use; turns within a conversation never overlap.
type Lanes struct {
	client    *Client
	lanes     map[types.ConversationID]chan *Turn
	semaphore *semaphore.Weighted
	active    atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewLanes creates a Lanes dispatcher allowing maxConcurrent turns to
// execute simultaneously across conversations.
func NewLanes(client *Client, maxConcurrent int64) *Lanes {
	return &Lanes{
		client:    client,
		lanes:     make(map[types.ConversationID]chan *Turn),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the dispatcher's context. Must be called before
// Enqueue.
func (l *Lanes) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
}

// Stop cancels the dispatcher, closes all lanes, and waits for in-flight
// turns to finish. Queued turns that never ran report ErrStopped through
// their OnDone; later enqueues are rejected.
func (l *Lanes) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	l.stopped = true
	for _, lane := range l.lanes {
		close(lane)
	}
	l.lanes = nil
	l.mu.Unlock()
	l.wg.Wait()
}

// Enqueue adds a turn to its conversation's lane, creating the lane on
// first use. Returns an error when the lane's buffer is full or the
// dispatcher has stopped.
func (l *Lanes) Enqueue(t *Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}

	lane, exists := l.lanes[t.Payload.ConversationID]
	if !exists {
		lane = make(chan *Turn, 32)
		l.lanes[t.Payload.ConversationID] = lane
		l.wg.Add(1)
		go l.processLane(lane)
	}

	select {
	case lane <- t:
		return nil
	default:
		return fmt.Errorf("queue full for conversation %s", t.Payload.ConversationID)
	}
}

func (l *Lanes) processLane(lane chan *Turn) {
	defer l.wg.Done()
	for {
		select {
		case t, ok := <-lane:
			if !ok {
				return
			}
			if err := l.semaphore.Acquire(l.ctx, 1); err != nil {
				// Shutdown: the caller still gets an answer.
				failTurn(t, ErrStopped)
				continue
			}
			l.active.Add(1)
			completion, err := l.client.SendCompletion(l.ctx, t.Payload, t.Opts)
			if err != nil {
				slog.Error("turn failed",
					"conversation_id", t.Payload.ConversationID,
					"agent_id", t.Payload.AgentID,
					"error", err)
			}
			if t.OnDone != nil {
				t.OnDone(completion, err)
			}
			// The turn's background effects must release before the
			// next turn in this conversation may start.
			select {
			case <-l.client.TurnReleased(t.Payload.ConversationID):
			case <-l.ctx.Done():
			}
			l.active.Add(-1)
			l.semaphore.Release(1)
		case <-l.ctx.Done():
			// Fail queued turns until Stop closes the lane.
			for t := range lane {
				failTurn(t, ErrStopped)
			}
			return
		}
	}
}

func failTurn(t *Turn, err error) {
	if t.OnDone != nil {
		t.OnDone(nil, err)
	}
}

// SendCompletion enqueues the turn on its conversation's lane and blocks
// until it finishes or ctx is cancelled. This makes Lanes a drop-in
// completion endpoint with per-conversation ordering.
func (l *Lanes) SendCompletion(ctx context.Context, payload types.CompletionPayload, opts SendOptions) (*Completion, error) {
	type outcome struct {
		completion *Completion
		err        error
	}
	done := make(chan outcome, 1)
	err := l.Enqueue(&Turn{
		Payload: payload,
		Opts:    opts,
		OnDone: func(c *Completion, err error) {
			done <- outcome{c, err}
		},
	})
	if err != nil {
		return nil, err
	}
	select {
	case out := <-done:
		return out.completion, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort cancels the in-flight turn for the conversation, if any. Queued
// turns behind it are unaffected.
func (l *Lanes) Abort(id types.ConversationID) bool {
	return l.client.Abort(id)
}

// WaitIdle blocks until no turns are actively processing, or the timeout
// expires. Reports whether the dispatcher went idle.
func (l *Lanes) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if l.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
