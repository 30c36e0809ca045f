package dbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/lib-cpp/dbus-cpp-sub000/internal/event"
)

// SignalProxy represents one (path, interface, member) signal source on
// a remote object (spec §4.10). It is obtained from Object.GetSignal,
// which caches it for the Object's lifetime, and supports any number of
// independent local subscribers layered over a single AddMatch
// registration with the bus daemon.
type SignalProxy struct {
	conn  *Connection
	path  ObjectPath
	iface string
	member string

	mu        sync.Mutex
	rule      MatchRule
	watchers  map[int]func(*Message)
	nextID    int
	ruleRefs  map[string]int // rendered rule -> live subscriber count
	destroyed event.Source
}

func newSignalProxy(conn *Connection, path ObjectPath, iface, member string) *SignalProxy {
	rule := NewMatchRule().WithType(TypeSignal).WithPath(path).WithInterface(iface).WithMember(member)
	return &SignalProxy{
		conn:     conn,
		path:     path,
		iface:    iface,
		member:   member,
		rule:     rule,
		watchers: make(map[int]func(*Message)),
		ruleRefs: make(map[string]int),
	}
}

// AboutToBeDestroyed implements Destroyable.
func (s *SignalProxy) AboutToBeDestroyed() *event.Source { return &s.destroyed }

// Connect subscribes handler to every delivery of this signal, issuing
// AddMatch with the bus daemon on the first subscriber. It returns a
// Disconnect function; calling it more than once is a no-op.
func (s *SignalProxy) Connect(ctx context.Context, handler func(*Message)) (disconnect func(), err error) {
	return s.connect(ctx, s.rule, handler)
}

// ConnectWithMatchArgs subscribes handler only to deliveries whose Nth
// string argument matches the given argN filters, installing a separate
// AddMatch rule scoped to those filters (spec §4.7's argN matching).
func (s *SignalProxy) ConnectWithMatchArgs(ctx context.Context, argFilters map[int]string, handler func(*Message)) (disconnect func(), err error) {
	rule := s.rule
	for n, v := range argFilters {
		rule = rule.WithArg(n, v)
	}
	return s.connect(ctx, rule, handler)
}

// connect registers handler for deliveries matching rule, sharing a
// single AddMatch registration across every subscriber with the same
// rendered rule: the first subscriber for a rule installs it with the
// bus daemon, and the last to disconnect removes it (spec §4.10; the
// bus daemon itself also ref-counts identical match rules per
// connection, but tracking it here too keeps RemoveMatch calls
// symmetric with this proxy's own subscriber count).
func (s *SignalProxy) connect(ctx context.Context, rule MatchRule, handler func(*Message)) (func(), error) {
	key := rule.Render()

	s.mu.Lock()
	first := s.ruleRefs[key] == 0
	s.ruleRefs[key]++
	s.mu.Unlock()

	if first {
		if err := s.conn.AddMatch(ctx, rule); err != nil {
			s.mu.Lock()
			s.ruleRefs[key]--
			if s.ruleRefs[key] <= 0 {
				delete(s.ruleRefs, key)
			}
			s.mu.Unlock()
			return nil, err
		}
	}

	localUnsub := s.conn.addSignalWatcher(rule, handler)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			localUnsub()
			s.mu.Lock()
			delete(s.watchers, id)
			s.ruleRefs[key]--
			last := s.ruleRefs[key] <= 0
			if last {
				delete(s.ruleRefs, key)
			}
			s.mu.Unlock()
			if last {
				_ = s.conn.RemoveMatch(context.Background(), rule)
			}
		})
	}, nil
}

// Emit sends member as a signal from path on the local connection — used
// when a SignalProxy is held on the service side of the same interface
// it is also possible to subscribe to.
func (s *SignalProxy) Emit(encodeArgs func(w *Writer) error) error {
	msg := NewSignalMessage(s.path, s.iface, s.member)
	if encodeArgs != nil {
		if err := msg.EncodeBody(encodeArgs); err != nil {
			return err
		}
	}
	return s.conn.Send(msg)
}

// ConnectSignal is a typed convenience over SignalProxy.Connect that
// decodes each delivered signal's body as T before invoking handler.
// Decode errors are dropped rather than delivered, since a malformed
// signal body cannot be meaningfully reported to a handler expecting T.
func ConnectSignal[T any](ctx context.Context, s *SignalProxy, handler func(T)) (func(), error) {
	return s.Connect(ctx, func(msg *Message) {
		var out T
		if err := Decode(msg.Body(), &out); err != nil {
			return
		}
		handler(out)
	})
}

// DisconnectAll removes every subscriber currently registered on s, used
// when tearing down an Object that owns s.
func (s *SignalProxy) DisconnectAll() {
	s.mu.Lock()
	s.watchers = make(map[int]func(*Message))
	s.mu.Unlock()
}

func (s *SignalProxy) String() string {
	return fmt.Sprintf("%s:%s.%s", s.path, s.iface, s.member)
}
