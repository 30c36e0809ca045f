package dbus

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type bufWrapper struct{ buf *bytes.Buffer }

var bufPool = sync.Pool{
	New: func() interface{} { return &bufWrapper{buf: &bytes.Buffer{}} },
}

// Standard bus-daemon error and method names a Connection needs by name
// (spec §2's "the bus daemon itself is reached like any other service").
const (
	busServiceName = "org.freedesktop.DBus"
	busObjectPath  = ObjectPath("/org/freedesktop/DBus")
	busInterface   = "org.freedesktop.DBus"

	ErrNameUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameNoReply       = "org.freedesktop.DBus.Error.NoReply"
	ErrNameFailed        = "org.freedesktop.DBus.Error.Failed"
)

// Connection is a single authenticated link to a D-Bus bus (spec §4.4
// "Connection"). It owns the transport, the wire codec's framing,
// pending-call bookkeeping, and dispatch to registered Objects and
// signal watchers. Incoming messages are read and dispatched on the
// goroutine started by Run via the Connection's Executor; outgoing
// messages are written on the calling goroutine. Callbacks invoked from
// dispatch must not call back into a blocking Connection method
// reentrantly.
type Connection struct {
	conn    net.Conn
	options Options
	logger  zerolog.Logger
	metrics *connMetrics
	exec    *Executor

	writeMu sync.Mutex

	mu          sync.Mutex
	uniqueName  string
	pending     map[uint32]*PendingCall
	objects     map[ObjectPath]*Object
	closed      bool
	closeErr    error

	// reactorGoroutine holds the goroutine-local identity (see
	// goroutineID) of the goroutine running receiveLoop (and therefore
	// every dispatch), or 0 when receiveLoop is not running. It is goroutine-local
	// rather than connection-wide so a blocking call from an unrelated
	// application goroutine is never refused merely because the reactor
	// happens to be mid-dispatch elsewhere (spec §5: concurrent user-thread
	// blocking calls are serialised, not rejected); only a handler that
	// reenters a blocking call from inside dispatch itself is refused.
	reactorGoroutine atomic.Uint64

	signalWatchersMu sync.Mutex
	signalWatchers   []*signalWatcherEntry
}

type signalWatcherEntry struct {
	rule    MatchRule
	handler func(*Message)
}

// Connect dials address, performs the SASL handshake, and returns an
// unauthenticated-with-the-bus Connection; call Hello to obtain a unique
// name before using bus services that require one.
func Connect(ctx context.Context, address string, opts ...Option) (*Connection, error) {
	options := DefaultOptions().apply(opts)
	if options.Address != "" {
		address = options.Address
	}
	options.Address = address

	tr, err := newTransport(address)
	if err != nil {
		return nil, err
	}

	dialDone := make(chan struct{})
	var rawConn net.Conn
	var dialErr error
	go func() {
		rawConn, dialErr = tr.Dial()
		close(dialDone)
	}()
	select {
	case <-dialDone:
	case <-time.After(options.DialTimeout):
		return nil, fmt.Errorf("dbus: %w: dial timed out after %s", ErrTimeout, options.DialTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if dialErr != nil {
		return nil, dialErr
	}

	var mech Authenticator = &AuthExternal{}
	if _, err := authenticate(rawConn, mech, options.NegotiateUnixFDs); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("dbus: authentication failed: %w", err)
	}

	c := &Connection{
		conn:    rawConn,
		options: options,
		logger:  componentLogger(options.Logger, "dbus.conn"),
		metrics: newConnMetrics(options.Registry),
		exec:    NewExecutor(ctx),
		pending: make(map[uint32]*PendingCall),
		objects: make(map[ObjectPath]*Object),
	}
	return c, nil
}

// SessionBus dials the bus address found in DBUS_SESSION_BUS_ADDRESS.
func SessionBus(ctx context.Context, opts ...Option) (*Connection, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, fmt.Errorf("dbus: %w: DBUS_SESSION_BUS_ADDRESS is not set", ErrInvalidArgument)
	}
	return Connect(ctx, addr, opts...)
}

// SystemBus dials the well-known system bus socket (or
// DBUS_SYSTEM_BUS_ADDRESS, if set).
func SystemBus(ctx context.Context, opts ...Option) (*Connection, error) {
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = "unix:path=/var/run/dbus/system_bus_socket"
	}
	return Connect(ctx, addr, opts...)
}

// StarterBus dials the bus that activated this process, per
// DBUS_STARTER_ADDRESS / DBUS_STARTER_BUS_TYPE, falling back to systemd
// socket activation when neither is set.
func StarterBus(ctx context.Context, opts ...Option) (*Connection, error) {
	if addr := os.Getenv("DBUS_STARTER_ADDRESS"); addr != "" {
		return Connect(ctx, addr, opts...)
	}
	switch os.Getenv("DBUS_STARTER_BUS_TYPE") {
	case "system":
		return SystemBus(ctx, opts...)
	case "session":
		return SessionBus(ctx, opts...)
	default:
		return Connect(ctx, "systemd:", opts...)
	}
}

// Hello sends the mandatory org.freedesktop.DBus.Hello call (spec §2)
// and records the unique name assigned by the bus.
func (c *Connection) Hello(ctx context.Context) (string, error) {
	call := NewMethodCallMessage(busServiceName, busObjectPath, busInterface, "Hello")
	pc, err := c.sendWithReply(call)
	if err != nil {
		return "", err
	}
	reply, err := pc.Wait(ctx)
	if err != nil {
		return "", err
	}
	var name string
	if err := Decode(reply.Body(), &name); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.uniqueName = name
	c.mu.Unlock()
	return name, nil
}

// UniqueName returns the name assigned by Hello, or "" before Hello has
// completed.
func (c *Connection) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

// NameFlags mirrors org.freedesktop.DBus.RequestName's request flags.
type NameFlags uint32

const (
	NameFlagAllowReplacement NameFlags = 1 << iota
	NameFlagReplaceExisting
	NameFlagDoNotQueue
)

// RequestNameReply mirrors RequestName's reply codes.
type RequestNameReply uint32

const (
	NameReplyPrimaryOwner RequestNameReply = 1 + iota
	NameReplyInQueue
	NameReplyExists
	NameReplyAlreadyOwner
)

// RequestName asks the bus daemon to assign name to this connection.
func (c *Connection) RequestName(ctx context.Context, name string, flags NameFlags) (RequestNameReply, error) {
	call := NewMethodCallMessage(busServiceName, busObjectPath, busInterface, "RequestName")
	if err := call.EncodeBody(func(w *Writer) error {
		if err := w.PushString(name); err != nil {
			return err
		}
		return w.PushUint32(uint32(flags))
	}); err != nil {
		return 0, err
	}
	pc, err := c.sendWithReply(call)
	if err != nil {
		return 0, err
	}
	reply, err := pc.Wait(ctx)
	if err != nil {
		return 0, err
	}
	var code uint32
	if err := Decode(reply.Body(), &code); err != nil {
		return 0, err
	}
	return RequestNameReply(code), nil
}

// ReleaseName asks the bus daemon to release a previously-requested name.
func (c *Connection) ReleaseName(ctx context.Context, name string) error {
	call := NewMethodCallMessage(busServiceName, busObjectPath, busInterface, "ReleaseName")
	if err := call.EncodeBody(func(w *Writer) error { return w.PushString(name) }); err != nil {
		return err
	}
	pc, err := c.sendWithReply(call)
	if err != nil {
		return err
	}
	_, err = pc.Wait(ctx)
	return err
}

// AddMatch installs rule at the bus daemon so signals matching it are
// delivered to this connection.
func (c *Connection) AddMatch(ctx context.Context, rule MatchRule) error {
	call := NewMethodCallMessage(busServiceName, busObjectPath, busInterface, "AddMatch")
	if err := call.EncodeBody(func(w *Writer) error { return w.PushString(rule.Render()) }); err != nil {
		return err
	}
	pc, err := c.sendWithReply(call)
	if err != nil {
		return err
	}
	_, err = pc.Wait(ctx)
	return err
}

// RemoveMatch removes a rule previously installed with AddMatch.
func (c *Connection) RemoveMatch(ctx context.Context, rule MatchRule) error {
	call := NewMethodCallMessage(busServiceName, busObjectPath, busInterface, "RemoveMatch")
	if err := call.EncodeBody(func(w *Writer) error { return w.PushString(rule.Render()) }); err != nil {
		return err
	}
	pc, err := c.sendWithReply(call)
	if err != nil {
		return err
	}
	_, err = pc.Wait(ctx)
	return err
}

// HasOwnerForName synchronously queries the bus daemon for whether name
// currently has an owner (spec §4.4 "has_owner_for_name").
func (c *Connection) HasOwnerForName(ctx context.Context, name string) (bool, error) {
	call := NewMethodCallMessage(busServiceName, busObjectPath, busInterface, "NameHasOwner")
	if err := call.EncodeBody(func(w *Writer) error { return w.PushString(name) }); err != nil {
		return false, err
	}
	reply, err := c.Call(ctx, call)
	if err != nil {
		return false, err
	}
	if reply.Type == TypeError {
		return false, reply.Err()
	}
	var has bool
	if err := Decode(reply.Body(), &has); err != nil {
		return false, err
	}
	return has, nil
}

// ListNames returns every currently-registered bus name, per spec §8's
// S1 seed scenario.
func (c *Connection) ListNames(ctx context.Context) ([]string, error) {
	call := NewMethodCallMessage(busServiceName, busObjectPath, busInterface, "ListNames")
	reply, err := c.Call(ctx, call)
	if err != nil {
		return nil, err
	}
	if reply.Type == TypeError {
		return nil, reply.Err()
	}
	var names []string
	if err := Decode(reply.Body(), &names); err != nil {
		return nil, err
	}
	return names, nil
}

// ---------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------

func (c *Connection) writeMessage(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := bufPool.Get().(*bufWrapper)
	defer bufPool.Put(buf)
	buf.buf.Reset()

	if err := msg.WriteTo(buf.buf); err != nil {
		return err
	}
	c.metrics.messagesSent.Inc()
	_, err := c.conn.Write(buf.buf.Bytes())
	return err
}

// Send writes msg without expecting or tracking a reply: used for
// signals, method_return, and error replies.
func (c *Connection) Send(msg *Message) error {
	msg.Flags |= FlagNoReplyExpected
	return c.writeMessage(msg)
}

// sendWithReply assigns msg a serial, registers a PendingCall for it, and
// writes it.
func (c *Connection) sendWithReply(msg *Message) (*PendingCall, error) {
	if c.isReactorGoroutine() {
		return nil, ErrReentrantBlockingCall
	}
	msg.assignSerial()
	pc := newPendingCall(msg.Serial, func() {
		c.mu.Lock()
		delete(c.pending, msg.Serial)
		c.mu.Unlock()
	})
	pc.iface, pc.member = msg.Interface, msg.Member
	c.mu.Lock()
	c.pending[msg.Serial] = pc
	c.mu.Unlock()
	c.metrics.callsInFlight.Inc()

	if err := c.writeMessage(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.Serial)
		c.mu.Unlock()
		c.metrics.callsInFlight.Dec()
		return nil, err
	}
	return pc, nil
}

// Call sends a method_call and blocks until the reply arrives, ctx is
// done, or the configured call timeout elapses — whichever is first
// (spec §4.6 "blocking call").
func (c *Connection) Call(ctx context.Context, msg *Message) (*Message, error) {
	start := time.Now()
	callID := uuid.NewString()
	c.logger.Debug().Str("call_id", callID).Str("interface", msg.Interface).Str("member", msg.Member).Msg("method call sent")
	pc, err := c.sendWithReply(msg)
	if err != nil {
		c.logger.Warn().Str("call_id", callID).Err(err).Msg("method call send failed")
		return nil, err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.options.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.CallTimeout)
		defer cancel()
	}
	reply, err := pc.Wait(ctx)
	c.metrics.callsInFlight.Dec()
	c.metrics.callDuration.WithLabelValues(msg.Interface, msg.Member).Observe(time.Since(start).Seconds())
	if err == context.DeadlineExceeded {
		pc.Cancel()
		c.logger.Warn().Str("call_id", callID).Msg("method call timed out")
		return nil, ErrTimeout
	}
	if err != nil {
		c.logger.Debug().Str("call_id", callID).Err(err).Msg("method call completed with error")
	}
	return reply, err
}

// CallAsync sends a method_call and returns immediately with a
// PendingCall the caller can Then/Wait on. If no reply arrives within
// the configured call timeout, the PendingCall completes with
// ErrTimeout.
func (c *Connection) CallAsync(msg *Message) (*PendingCall, error) {
	pc, err := c.sendWithReply(msg)
	if err != nil {
		return nil, err
	}
	if c.options.CallTimeout > 0 {
		serial := msg.Serial
		stop := c.exec.AfterFunc(c.options.CallTimeout, func() {
			c.mu.Lock()
			delete(c.pending, serial)
			c.mu.Unlock()
			pc.completeTimeout()
		})
		pc.Then(func(*Message, error) { stop() })
	}
	return pc, nil
}

// isReactorGoroutine reports whether the calling goroutine is the one
// currently running the Connection's dispatch loop, used to refuse
// reentrant blocking calls from inside a handler (spec §4.5's "the
// reactor never blocks on itself"). It compares goroutine identities
// rather than testing a connection-wide flag, so it never misidentifies
// a concurrent call from some other application goroutine as reentrant.
func (c *Connection) isReactorGoroutine() bool {
	gid := c.reactorGoroutine.Load()
	return gid != 0 && gid == goroutineID()
}

// goroutineID returns a lightweight, process-unique identity for the
// calling goroutine. Go has no public API for this; it parses the
// "goroutine N [...]" line runtime.Stack always writes first. Used only
// for the reactor-reentrancy check above, never for scheduling or
// synchronization.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if len(b) > len(prefix) && string(b[:len(prefix)]) == prefix {
		b = b[len(prefix):]
	}
	end := 0
	for end < len(b) && b[end] >= '0' && b[end] <= '9' {
		end++
	}
	id, _ := strconv.ParseUint(string(b[:end]), 10, 64)
	return id
}

// ---------------------------------------------------------------------
// Receiving and dispatch
// ---------------------------------------------------------------------

// Run starts the Connection's Executor and blocks, reading and
// dispatching messages until ctx is done, Stop is called, or the
// transport errors out.
func (c *Connection) Run() error {
	c.exec.Go(func(ctx context.Context) error {
		return c.receiveLoop(ctx)
	})
	return c.exec.Run()
}

// Stop idempotently shuts down the Connection's Executor and cancels
// every outstanding PendingCall (spec §4.5/§5, Testable Property 7:
// "after Bus.stop(), every outstanding pending call resolves to
// Cancelled").
func (c *Connection) Stop() {
	c.shutdown(func(pc *PendingCall) { pc.Cancel() })
}

// stopDisconnected is the transport-failure counterpart of Stop: the
// reactor's read loop calls it when the underlying connection itself
// drops, resolving outstanding calls with ErrDisconnected rather than
// ErrCancelled, since no one asked for the call to stop — the bus did
// (spec §7 "Disconnected/TransportError": "the bus connection has
// terminated; all pending calls are resolved with this").
func (c *Connection) stopDisconnected() {
	c.shutdown(func(pc *PendingCall) { pc.completeDisconnected() })
}

func (c *Connection) shutdown(finish func(*PendingCall)) {
	c.exec.Stop()
	c.mu.Lock()
	pending := make([]*PendingCall, 0, len(c.pending))
	for _, pc := range c.pending {
		pending = append(pending, pc)
	}
	c.pending = make(map[uint32]*PendingCall)
	closed := c.closed
	c.closed = true
	c.mu.Unlock()
	for _, pc := range pending {
		finish(pc)
	}
	if !closed {
		c.conn.Close()
	}
}

func (c *Connection) receiveLoop(ctx context.Context) error {
	c.reactorGoroutine.Store(goroutineID())
	defer c.reactorGoroutine.Store(0)

	reader := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := readOneMessage(reader)
		if err != nil {
			c.stopDisconnected()
			return err
		}
		c.metrics.messagesReceived.Inc()

		c.dispatch(msg)
	}
}

func readOneMessage(r *bufio.Reader) (*Message, error) {
	header := make([]byte, 16)
	if _, err := fullRead(r, header); err != nil {
		return nil, err
	}
	arrLen, err := headerFieldsArrayLen(header)
	if err != nil {
		return nil, err
	}
	fieldsEnd := 16 + int(arrLen)
	bodyStart := fieldsEnd
	for bodyStart%8 != 0 {
		bodyStart++
	}
	prefix, err := readHeaderPrefix(header)
	if err != nil {
		return nil, err
	}
	rest := make([]byte, bodyStart-16+int(prefix.bodyLen))
	if _, err := fullRead(r, rest); err != nil {
		return nil, err
	}
	full := append(header, rest...)
	return ParseMessage(full)
}

func fullRead(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Connection) dispatch(msg *Message) {
	switch msg.Type {
	case TypeMethodReturn, TypeError:
		c.mu.Lock()
		pc := c.pending[msg.ReplySerial]
		delete(c.pending, msg.ReplySerial)
		c.mu.Unlock()
		if pc != nil {
			if msg.Type == TypeError {
				c.metrics.callErrors.WithLabelValues(pc.iface, pc.member, msg.ErrorName).Inc()
			}
			pc.completeWithReply(msg)
		}
	case TypeMethodCall:
		c.dispatchMethodCall(msg)
	case TypeSignal:
		c.metrics.signalsDelivered.Inc()
		c.dispatchSignal(msg)
	}
}

func (c *Connection) dispatchMethodCall(msg *Message) {
	c.mu.Lock()
	obj := c.objects[msg.Path]
	c.mu.Unlock()
	if obj == nil {
		c.replyError(msg, ErrNameUnknownObject, fmt.Sprintf("unknown object %q", msg.Path))
		return
	}
	obj.dispatchMethodCall(c, msg)
}

func (c *Connection) replyError(call *Message, name, description string) {
	if call.Flags&FlagNoReplyExpected != 0 {
		return
	}
	_ = c.Send(NewErrorMessage(call, name, description))
}

// dispatchSignal invokes every registered signal watcher whose MatchRule
// matches msg.
func (c *Connection) dispatchSignal(msg *Message) {
	c.signalWatchersMu.Lock()
	var targets []func(*Message)
	for _, w := range c.signalWatchers {
		if w.rule.Matches(msg) {
			targets = append(targets, w.handler)
		}
	}
	c.signalWatchersMu.Unlock()
	for _, h := range targets {
		h(msg)
	}
}

// addSignalWatcher registers handler to run on every signal matching
// rule; it does not itself install rule at the bus daemon (see
// SignalProxy.Connect, which calls AddMatch).
func (c *Connection) addSignalWatcher(rule MatchRule, handler func(*Message)) func() {
	entry := &signalWatcherEntry{rule: rule, handler: handler}
	c.signalWatchersMu.Lock()
	c.signalWatchers = append(c.signalWatchers, entry)
	c.signalWatchersMu.Unlock()
	return func() {
		c.signalWatchersMu.Lock()
		for i, w := range c.signalWatchers {
			if w == entry {
				c.signalWatchers = append(c.signalWatchers[:i], c.signalWatchers[i+1:]...)
				break
			}
		}
		c.signalWatchersMu.Unlock()
	}
}

// ---------------------------------------------------------------------
// Object registration
// ---------------------------------------------------------------------

// RegisterObjectAtPath exposes obj at path, failing if another object is
// already registered there.
func (c *Connection) RegisterObjectAtPath(path ObjectPath, obj *Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.objects[path]; exists {
		return ErrPathAlreadyRegistered
	}
	c.objects[path] = obj
	return nil
}

// UnregisterObjectAtPath removes whatever object is registered at path.
func (c *Connection) UnregisterObjectAtPath(path ObjectPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, path)
}

// ObjectAtPath returns the locally-registered Object at path, if any.
func (c *Connection) ObjectAtPath(path ObjectPath) (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[path]
	return obj, ok
}
