package dbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Service is a named collection of objects reachable at one bus name
// (spec §4.8's "Service"): on the providing side it owns the name and
// spawns the objects it exposes; on the consuming side it is a thin
// handle used to construct proxy Objects scoped to that name.
type Service struct {
	conn *Connection
	name string
	root *Object
}

// UseService returns a Service handle for name without requiring or
// verifying ownership — method calls against its objects fail at call
// time if no owner exists.
func UseService(conn *Connection, name string) *Service {
	return &Service{conn: conn, name: name, root: NewObject(conn, name, Root)}
}

// UseServiceOrThrow is UseService but first confirms name currently has
// an owner, returning ErrServiceNotAvailable otherwise.
func UseServiceOrThrow(ctx context.Context, conn *Connection, name string) (*Service, error) {
	call := NewMethodCallMessage(busServiceName, busObjectPath, busInterface, "GetNameOwner")
	if err := call.EncodeBody(func(w *Writer) error { return w.PushString(name) }); err != nil {
		return nil, err
	}
	reply, err := conn.Call(ctx, call)
	var callErr *CallError
	if errors.As(err, &callErr) {
		return nil, fmt.Errorf("dbus: %w: %s", ErrServiceNotAvailable, name)
	}
	if err != nil {
		return nil, err
	}
	if reply.Type == TypeError {
		return nil, fmt.Errorf("dbus: %w: %s", ErrServiceNotAvailable, name)
	}
	return UseService(conn, name), nil
}

// AddService requests ownership of name on conn and returns a Service
// whose root Object is locally hosted, ready to have child objects
// spawned on it with AddObject.
func AddService(ctx context.Context, conn *Connection, name string, flags NameFlags) (*Service, error) {
	reply, err := conn.RequestName(ctx, name, flags)
	if err != nil {
		return nil, err
	}
	switch reply {
	case NameReplyPrimaryOwner, NameReplyAlreadyOwner:
		// acquired (or already ours)
	case NameReplyInQueue:
		return nil, fmt.Errorf("dbus: %w: %s is queued, not owned", ErrAlreadyOwned, name)
	case NameReplyExists:
		return nil, fmt.Errorf("dbus: %w: %s", ErrAlreadyOwned, name)
	}
	root, err := AddObjectForPath(conn, Root)
	if err != nil {
		return nil, err
	}
	return &Service{conn: conn, name: name, root: root}, nil
}

// Name returns the bus name this Service represents.
func (s *Service) Name() string { return s.name }

// RootObject returns the Service's object at "/".
func (s *Service) RootObject() *Object { return s.root }

// Object returns a proxy Object for path under this Service's name (for
// a Service obtained from UseService/UseServiceOrThrow), or the locally
// registered Object at path if one was already added with AddObject.
func (s *Service) Object(path ObjectPath) *Object {
	if obj, ok := s.conn.ObjectAtPath(path); ok && obj.destination == s.conn.UniqueName() {
		return obj
	}
	return NewObject(s.conn, s.name, path)
}

// AddObject spawns and registers a new locally-hosted Object at path
// under this Service, for use with a Service obtained from AddService.
func (s *Service) AddObject(path ObjectPath) (*Object, error) {
	return AddObjectForPath(s.conn, path)
}

// ---------------------------------------------------------------------
// Name ownership tracking
// ---------------------------------------------------------------------

// BusNameOwner tracks the fate of a name requested with RequestBusName:
// its channel C receives nil once the name is acquired, and a non-nil
// error if the request is queued, already owned elsewhere, or the name
// is later lost. Grounded on the teacher's BusName/NameWatch pair, which
// watched NameAcquired/NameLost the same way.
type BusNameOwner struct {
	conn *Connection
	name string
	C    chan error

	mu         sync.Mutex
	cancelled  bool
	acquired   func()
	lost       func()
}

// RequestBusName requests name and returns a BusNameOwner that reports
// ownership changes asynchronously over its channel, mirroring how a
// long-lived service tracks whether it still holds its name.
func RequestBusName(ctx context.Context, conn *Connection, name string, flags NameFlags) (*BusNameOwner, error) {
	owner := &BusNameOwner{conn: conn, name: name, C: make(chan error, 1)}

	busObj := NewObject(conn, busServiceName, busObjectPath)
	acquiredSignal, err := busObj.GetSignal(busInterface, "NameAcquired")
	if err != nil {
		return nil, err
	}
	lostSignal, err := busObj.GetSignal(busInterface, "NameLost")
	if err != nil {
		return nil, err
	}

	unsubAcquired, err := acquiredSignal.ConnectWithMatchArgs(ctx, map[int]string{0: name}, func(msg *Message) {
		select {
		case owner.C <- nil:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	unsubLost, err := lostSignal.ConnectWithMatchArgs(ctx, map[int]string{0: name}, func(msg *Message) {
		select {
		case owner.C <- ErrAlreadyOwned:
		default:
		}
	})
	if err != nil {
		unsubAcquired()
		return nil, err
	}
	owner.acquired = unsubAcquired
	owner.lost = unsubLost

	reply, err := conn.RequestName(ctx, name, flags)
	if err != nil {
		owner.Release(ctx)
		return nil, err
	}
	switch reply {
	case NameReplyPrimaryOwner, NameReplyAlreadyOwner:
		owner.C <- nil
	case NameReplyInQueue:
		owner.C <- ErrNameInQueue
	case NameReplyExists:
		owner.C <- ErrAlreadyOwned
	}
	return owner, nil
}

// Release releases the name and stops watching NameAcquired/NameLost.
func (o *BusNameOwner) Release(ctx context.Context) error {
	o.mu.Lock()
	if o.cancelled {
		o.mu.Unlock()
		return nil
	}
	o.cancelled = true
	o.mu.Unlock()

	if o.acquired != nil {
		o.acquired()
	}
	if o.lost != nil {
		o.lost()
	}
	return o.conn.ReleaseName(ctx, o.name)
}
