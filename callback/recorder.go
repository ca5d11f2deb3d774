package callback

import (
	"context"
	"sync"

	"vpp-ping/message"
)

// Outcome is what happened to one call.
type Outcome struct {
	CtxID uint32
	Reply message.Message // Nil when Err is set
	Err   *Error
}

// OK reports whether the call got a successful reply.
func (o *Outcome) OK() bool { return o.Err == nil && o.Reply != nil }

// Recorder remembers the outcome of every call by context id so the sender
// can wait for it with Await. Each outcome is then forwarded to Next, if set.
type Recorder struct {
	Next Callback

	mu      sync.Mutex
	claimed map[uint32]struct{}
	results map[uint32]*Outcome
	waiters map[uint32]chan struct{}
}

func NewRecorder(next Callback) *Recorder {
	return &Recorder{
		Next:    next,
		claimed: make(map[uint32]struct{}),
		results: make(map[uint32]*Outcome),
		waiters: make(map[uint32]chan struct{}),
	}
}

// Track records the outcome of ctxID and forwards it, to Next.Track when Next
// is a Tracker. Only the first outcome of a context id counts. Waiters wake
// after Next has handled the outcome.
func (r *Recorder) Track(ctxID uint32, reply message.Message, err *Error) {
	if !r.claim(ctxID) {
		return
	}
	if t, ok := r.Next.(Tracker); ok {
		t.Track(ctxID, reply, err)
	} else if r.Next != nil {
		deliver(r.Next, reply, err, methodOf(reply, err), ctxID)
	}
	r.complete(&Outcome{CtxID: ctxID, Reply: reply, Err: err})
}

// OnControlPingReply records a reply that arrived without its context id.
func (r *Recorder) OnControlPingReply(reply *message.ControlPingReply) {
	r.Track(0, reply, nil)
}

func (r *Recorder) OnError(err *Error) {
	r.Track(err.CtxID, nil, err)
}

func (r *Recorder) claim(ctxID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.claimed[ctxID]; taken {
		return false
	}
	r.claimed[ctxID] = struct{}{}
	return true
}

func (r *Recorder) complete(o *Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[o.CtxID] = o
	if ch, ok := r.waiters[o.CtxID]; ok {
		close(ch)
		delete(r.waiters, o.CtxID)
	}
}

// Await blocks until ctxID has an outcome or ctx is done.
func (r *Recorder) Await(ctx context.Context, ctxID uint32) (*Outcome, error) {
	r.mu.Lock()
	if o, ok := r.results[ctxID]; ok {
		r.mu.Unlock()
		return o, nil
	}
	ch, ok := r.waiters[ctxID]
	if !ok {
		ch = make(chan struct{})
		r.waiters[ctxID] = ch
	}
	r.mu.Unlock()

	select {
	case <-ch:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.results[ctxID], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome returns the recorded outcome of ctxID, if any.
func (r *Recorder) Outcome(ctxID uint32) (*Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.results[ctxID]
	return o, ok
}

// Len returns the number of recorded outcomes.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func methodOf(reply message.Message, err *Error) string {
	if err != nil {
		return err.MethodName
	}
	if reply != nil {
		return reply.GetMessageName()
	}
	return ""
}
