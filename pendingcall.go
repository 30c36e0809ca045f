package dbus

import (
	"context"
	"sync"
)

// PendingCall tracks a single in-flight method call from send to its
// one-shot completion: a method_return, an error reply, a timeout, an
// explicit Cancel, or the transport disconnecting (spec §4.6). Exactly
// one of these completes a given PendingCall; all further completion
// attempts are no-ops.
type PendingCall struct {
	serial uint32
	iface  string
	member string

	mu       sync.Mutex
	done     bool
	reply    *Message
	err      error
	waiters  []chan struct{}
	thens    []func(*Message, error)
	onCancel func()
}

func newPendingCall(serial uint32, onCancel func()) *PendingCall {
	return &PendingCall{serial: serial, onCancel: onCancel}
}

// Serial returns the serial of the method_call this PendingCall tracks.
func (p *PendingCall) Serial() uint32 { return p.serial }

// complete finishes the call exactly once; later calls are no-ops, per
// the one-shot completion invariant.
func (p *PendingCall) complete(reply *Message, err error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.reply = reply
	p.err = err
	waiters := p.waiters
	thens := p.thens
	p.waiters = nil
	p.thens = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, fn := range thens {
		fn(reply, err)
	}
}

// completeWithReply finishes the call with msg, translating an error
// message into a *CallError.
func (p *PendingCall) completeWithReply(msg *Message) {
	if msg.Type == TypeError {
		p.complete(msg, msg.Err())
		return
	}
	p.complete(msg, nil)
}

// Cancel finishes the call with ErrCancelled, if it has not already
// completed, and notifies the owning connection so it can stop tracking
// the serial.
func (p *PendingCall) Cancel() {
	p.mu.Lock()
	alreadyDone := p.done
	p.mu.Unlock()
	if alreadyDone {
		return
	}
	if p.onCancel != nil {
		p.onCancel()
	}
	p.complete(nil, ErrCancelled)
}

// completeTimeout finishes the call with ErrTimeout.
func (p *PendingCall) completeTimeout() {
	p.complete(nil, ErrTimeout)
}

// completeDisconnected finishes the call with ErrDisconnected.
func (p *PendingCall) completeDisconnected() {
	p.complete(nil, ErrDisconnected)
}

// Then registers fn to run when the call completes. If it has already
// completed, fn runs synchronously and immediately.
func (p *PendingCall) Then(fn func(reply *Message, err error)) {
	p.mu.Lock()
	if p.done {
		reply, err := p.reply, p.err
		p.mu.Unlock()
		fn(reply, err)
		return
	}
	p.thens = append(p.thens, fn)
	p.mu.Unlock()
}

// Wait blocks until the call completes or ctx is done, returning the
// reply message (method_return) or an error (including the error-reply
// translated to *CallError, ErrTimeout, ErrCancelled, ErrDisconnected, or
// ctx.Err()).
func (p *PendingCall) Wait(ctx context.Context) (*Message, error) {
	p.mu.Lock()
	if p.done {
		reply, err := p.reply, p.err
		p.mu.Unlock()
		return reply, err
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case <-ch:
		p.mu.Lock()
		reply, err := p.reply, p.err
		p.mu.Unlock()
		return reply, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Future returns a channel that is closed exactly once, when the call
// completes; inspect Wait's result (or Then) afterward for the outcome.
func (p *PendingCall) Future() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	return ch
}
