package dbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/lib-cpp/dbus-cpp-sub000/internal/event"
)

const (
	propertiesInterface  = "org.freedesktop.DBus.Properties"
	objectManagerIface   = "org.freedesktop.DBus.ObjectManager"
)

type ifaceMember struct{ iface, member string }

// MethodHandler handles one incoming method_call and returns the
// complete reply message (a method_return or an error), or nil if the
// handler has already replied itself (e.g. asynchronously).
type MethodHandler func(call *Message) *Message

// PropertyGetHandler returns the current value of a property as a
// DynamicValue, so Object does not need to know its static Go type.
type PropertyGetHandler func() (DynamicValue, error)

// PropertySetHandler applies an incoming property write.
type PropertySetHandler func(DynamicValue) error

type propertyHandlers struct {
	get PropertyGetHandler
	set PropertySetHandler
}

// Object is the dual-purpose handle spec §4.8 describes: constructed
// with NewObject it is a proxy for invoking methods, reading properties,
// and connecting signals on a remote object; constructed with
// AddObjectForPath it is additionally a local skeleton other peers can
// call into, via InstallMethodHandler and InstallPropertyHandlers.
type Object struct {
	conn        *Connection
	destination string
	path        ObjectPath

	mu              sync.Mutex
	methods         *Router[ifaceMember]
	properties      map[ifaceMember]propertyHandlers
	signalCache     *Cache[ifaceMember, *SignalProxy]
	propCache       map[ifaceMember]Variant
	propCacheSubbed bool
	children        map[ObjectPath]*Object
	isManager       bool
	destroyed       event.Source
}

// NewObject constructs a proxy for the object at path on destination
// (a unique or well-known bus name).
func NewObject(conn *Connection, destination string, path ObjectPath) *Object {
	return &Object{
		conn:        conn,
		destination: destination,
		path:        path,
		methods:     NewRouter[ifaceMember](),
		properties:  make(map[ifaceMember]propertyHandlers),
		signalCache: NewCache[ifaceMember, *SignalProxy](),
		propCache:   make(map[ifaceMember]Variant),
		children:    make(map[ObjectPath]*Object),
	}
}

// AddObjectForPath constructs a locally-hosted object at path and
// registers it with conn, so incoming method calls addressed to path are
// routed to it.
func AddObjectForPath(conn *Connection, path ObjectPath) (*Object, error) {
	obj := NewObject(conn, conn.UniqueName(), path)
	if err := conn.RegisterObjectAtPath(path, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// AboutToBeDestroyed implements Destroyable.
func (o *Object) AboutToBeDestroyed() *event.Source { return &o.destroyed }

// Path returns the object path this Object represents.
func (o *Object) Path() ObjectPath { return o.path }

// Destroy unregisters o (if locally hosted) and fires its destroy event,
// cascading eviction of every cached signal/property proxy it owns.
func (o *Object) Destroy() {
	o.conn.UnregisterObjectAtPath(o.path)
	o.signalCache.Evict()
	o.destroyed.Fire()
}

// ---------------------------------------------------------------------
// Proxy side: invoking methods
// ---------------------------------------------------------------------

// InvokeMethodSynchronously calls member on iface and blocks for the
// typed reply (spec §4.8 invoke_method<T>).
func InvokeMethodSynchronously[T any](ctx context.Context, obj *Object, iface, member string, encodeArgs func(w *Writer) error) Result[T] {
	call := NewMethodCallMessage(obj.destination, obj.path, iface, member)
	if encodeArgs != nil {
		if err := call.EncodeBody(encodeArgs); err != nil {
			return Error[T](err)
		}
	}
	reply, err := obj.conn.Call(ctx, call)
	if err != nil {
		return Error[T](err)
	}
	return ResultFromMessage[T](reply)
}

// TypedPendingCall adapts a raw PendingCall to decode its reply as T.
type TypedPendingCall[T any] struct {
	raw *PendingCall
}

// Wait blocks for completion and returns the decoded Result.
func (t *TypedPendingCall[T]) Wait(ctx context.Context) Result[T] {
	reply, err := t.raw.Wait(ctx)
	if err != nil {
		return Error[T](err)
	}
	return ResultFromMessage[T](reply)
}

// Then registers fn to run with the decoded Result once the call
// completes.
func (t *TypedPendingCall[T]) Then(fn func(Result[T])) {
	t.raw.Then(func(reply *Message, err error) {
		if err != nil {
			fn(Error[T](err))
			return
		}
		fn(ResultFromMessage[T](reply))
	})
}

// Cancel cancels the underlying call.
func (t *TypedPendingCall[T]) Cancel() { t.raw.Cancel() }

// InvokeMethodAsynchronously calls member on iface without blocking,
// returning a TypedPendingCall the caller can Wait or Then on.
func InvokeMethodAsynchronously[T any](obj *Object, iface, member string, encodeArgs func(w *Writer) error) (*TypedPendingCall[T], error) {
	call := NewMethodCallMessage(obj.destination, obj.path, iface, member)
	if encodeArgs != nil {
		if err := call.EncodeBody(encodeArgs); err != nil {
			return nil, err
		}
	}
	pc, err := obj.conn.CallAsync(call)
	if err != nil {
		return nil, err
	}
	return &TypedPendingCall[T]{raw: pc}, nil
}

// InvokeMethodAsynchronouslyWithCallback is a convenience over
// InvokeMethodAsynchronously that runs fn directly instead of returning
// a handle.
func InvokeMethodAsynchronouslyWithCallback[T any](obj *Object, iface, member string, encodeArgs func(w *Writer) error, fn func(Result[T])) error {
	pc, err := InvokeMethodAsynchronously[T](obj, iface, member, encodeArgs)
	if err != nil {
		return err
	}
	pc.Then(fn)
	return nil
}

// ---------------------------------------------------------------------
// Proxy side: properties
// ---------------------------------------------------------------------

// GetProperty reads iface.prop, type-decoded as T. If a PropertiesChanged
// signal has already refreshed obj's local cache for iface.prop, that
// cached value is returned directly; otherwise this issues a blocking
// org.freedesktop.DBus.Properties.Get (spec §3's Property<T>).
func GetProperty[T any](ctx context.Context, obj *Object, iface, prop string) (T, error) {
	var zero T
	obj.ensurePropertyCacheSubscription(ctx)
	if variant, ok := obj.cachedProperty(iface, prop); ok {
		if out, ok := variant.Value.(T); ok {
			return out, nil
		}
	}

	call := NewMethodCallMessage(obj.destination, obj.path, propertiesInterface, "Get")
	if err := call.EncodeBody(func(w *Writer) error {
		if err := w.PushString(iface); err != nil {
			return err
		}
		return w.PushString(prop)
	}); err != nil {
		return zero, err
	}
	reply, err := obj.conn.Call(ctx, call)
	if err != nil {
		return zero, err
	}
	if reply.Type == TypeError {
		return zero, reply.Err()
	}
	var variant Variant
	if err := Decode(reply.Body(), &variant); err != nil {
		return zero, err
	}
	out, ok := variant.Value.(T)
	if !ok {
		return zero, fmt.Errorf("dbus: %w: property %s.%s has type %T, not %T", ErrTypeMismatch, iface, prop, variant.Value, zero)
	}
	obj.storeCachedProperty(iface, prop, variant)
	return out, nil
}

// SetProperty writes iface.prop via
// org.freedesktop.DBus.Properties.Set.
func SetProperty(ctx context.Context, obj *Object, iface, prop string, value interface{}) error {
	call := NewMethodCallMessage(obj.destination, obj.path, propertiesInterface, "Set")
	if err := call.EncodeBody(func(w *Writer) error {
		if err := w.PushString(iface); err != nil {
			return err
		}
		if err := w.PushString(prop); err != nil {
			return err
		}
		variant := Variant{Value: value}
		return encodeVariant(w, variant)
	}); err != nil {
		return err
	}
	reply, err := obj.conn.Call(ctx, call)
	if err != nil {
		return err
	}
	if reply.Type == TypeError {
		return reply.Err()
	}
	// The bus daemon's own PropertiesChanged delivery (if the service
	// emits one) will refresh the cache; drop the stale entry now rather
	// than risk serving it until that signal arrives.
	obj.mu.Lock()
	delete(obj.propCache, ifaceMember{iface, prop})
	obj.mu.Unlock()
	return nil
}

// GetAllProperties reads every property of iface, returned as
// DynamicValues since their static types are not known here (spec
// §4.9's "dynamic Any" form).
func GetAllProperties(ctx context.Context, obj *Object, iface string) (map[string]DynamicValue, error) {
	call := NewMethodCallMessage(obj.destination, obj.path, propertiesInterface, "GetAll")
	if err := call.EncodeBody(func(w *Writer) error { return w.PushString(iface) }); err != nil {
		return nil, err
	}
	reply, err := obj.conn.Call(ctx, call)
	if err != nil {
		return nil, err
	}
	if reply.Type == TypeError {
		return nil, reply.Err()
	}
	result := make(map[string]DynamicValue)
	r := reply.Body()
	arr, err := r.PopArray()
	if err != nil {
		return nil, err
	}
	for arr.More() {
		entry, err := arr.Element().PopDictEntry()
		if err != nil {
			return nil, err
		}
		key, err := entry.PopString()
		if err != nil {
			return nil, err
		}
		dv, err := decodeDynamic(entry)
		if err != nil {
			return nil, err
		}
		result[key] = dv
	}
	return result, nil
}

// GetManagedObjects calls org.freedesktop.DBus.ObjectManager.GetManagedObjects
// on obj, the client-side counterpart of handleGetManagedObjects (spec
// §4.9a). Property values are returned as DynamicValues, mirroring
// GetAllProperties, since their static types are not known here.
func GetManagedObjects(ctx context.Context, obj *Object) (map[ObjectPath]map[string]map[string]DynamicValue, error) {
	call := NewMethodCallMessage(obj.destination, obj.path, objectManagerIface, "GetManagedObjects")
	reply, err := obj.conn.Call(ctx, call)
	if err != nil {
		return nil, err
	}
	if reply.Type == TypeError {
		return nil, reply.Err()
	}

	result := make(map[ObjectPath]map[string]map[string]DynamicValue)
	r := reply.Body()
	objs, err := r.PopArray()
	if err != nil {
		return nil, err
	}
	for objs.More() {
		entry, err := objs.Element().PopDictEntry()
		if err != nil {
			return nil, err
		}
		path, err := entry.PopObjectPath()
		if err != nil {
			return nil, err
		}
		ifaces := make(map[string]map[string]DynamicValue)
		ifacesArr, err := entry.PopArray()
		if err != nil {
			return nil, err
		}
		for ifacesArr.More() {
			ifaceEntry, err := ifacesArr.Element().PopDictEntry()
			if err != nil {
				return nil, err
			}
			ifaceName, err := ifaceEntry.PopString()
			if err != nil {
				return nil, err
			}
			props := make(map[string]DynamicValue)
			propsArr, err := ifaceEntry.PopArray()
			if err != nil {
				return nil, err
			}
			for propsArr.More() {
				propEntry, err := propsArr.Element().PopDictEntry()
				if err != nil {
					return nil, err
				}
				propName, err := propEntry.PopString()
				if err != nil {
					return nil, err
				}
				dv, err := decodeDynamic(propEntry)
				if err != nil {
					return nil, err
				}
				props[propName] = dv
			}
			ifaces[ifaceName] = props
		}
		result[path] = ifaces
	}
	return result, nil
}

// GetSignal returns the (cached) SignalProxy for iface.member on obj,
// per spec §4.10's lifetime-constrained per-parent cache: repeated calls
// with the same (iface, member) return the same proxy until obj is
// destroyed, whether or not any caller still holds it.
func (o *Object) GetSignal(iface, member string) (*SignalProxy, error) {
	key := ifaceMember{iface, member}
	return o.signalCache.GetOrCreate(key, func() (*SignalProxy, error) {
		return newSignalProxy(o.conn, o.path, iface, member), nil
	})
}

// ensurePropertyCacheSubscription lazily installs, at most once per
// Object, a single shared PropertiesChanged subscription that keeps
// propCache fresh so GetProperty can serve a recent value without a wire
// round trip (spec §3's "locally cached ValueType", §4.9's change
// adapter). It shares the same underlying SignalProxy that
// Property.WatchChanges and other PropertiesChanged subscribers use; its
// unfiltered rule's AddMatch is shared with other unfiltered subscribers
// (see SignalProxy.connect), while WatchChanges's arg0-filtered rule has
// an AddMatch of its own.
func (o *Object) ensurePropertyCacheSubscription(ctx context.Context) {
	o.mu.Lock()
	if o.propCacheSubbed {
		o.mu.Unlock()
		return
	}
	o.propCacheSubbed = true
	o.mu.Unlock()

	changed, err := o.GetSignal(propertiesInterface, "PropertiesChanged")
	if err != nil {
		o.mu.Lock()
		o.propCacheSubbed = false
		o.mu.Unlock()
		return
	}
	if _, err := changed.Connect(ctx, o.applyPropertiesChanged); err != nil {
		o.mu.Lock()
		o.propCacheSubbed = false
		o.mu.Unlock()
	}
}

// applyPropertiesChanged updates propCache from one PropertiesChanged
// delivery: changed properties are stored, invalidated ones are dropped
// so the next Get falls through to the wire. Because this is installed
// before any per-Property subscription (Property.WatchChanges always
// calls ensurePropertyCacheSubscription's Object first) and
// SignalProxy delivers to subscribers of the same signal in registration
// order, the cache is always current by the time a Property's own
// change callback runs (spec §5's ordering guarantee).
func (o *Object) applyPropertiesChanged(msg *Message) {
	r := msg.Body()
	var iface string
	if err := Decode(r, &iface); err != nil {
		return
	}
	arr, err := r.PopArray()
	if err != nil {
		return
	}
	updates := make(map[ifaceMember]Variant)
	for arr.More() {
		entry, err := arr.Element().PopDictEntry()
		if err != nil {
			return
		}
		name, err := entry.PopString()
		if err != nil {
			return
		}
		var variant Variant
		if err := Decode(entry, &variant); err != nil {
			return
		}
		updates[ifaceMember{iface, name}] = variant
	}
	var invalidated []ifaceMember
	if invArr, err := r.PopArray(); err == nil {
		for invArr.More() {
			var name string
			if err := Decode(invArr.Element(), &name); err != nil {
				break
			}
			invalidated = append(invalidated, ifaceMember{iface, name})
		}
	}

	o.mu.Lock()
	for key, v := range updates {
		o.propCache[key] = v
	}
	for _, key := range invalidated {
		delete(o.propCache, key)
	}
	o.mu.Unlock()
}

// cachedProperty returns iface.name's cached value, if GetProperty or a
// PropertiesChanged delivery has populated it and it has not since been
// invalidated.
func (o *Object) cachedProperty(iface, name string) (Variant, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.propCache[ifaceMember{iface, name}]
	return v, ok
}

// storeCachedProperty records a freshly wire-fetched value so a
// subsequent Get can reuse it until invalidated.
func (o *Object) storeCachedProperty(iface, name string, v Variant) {
	o.mu.Lock()
	o.propCache[ifaceMember{iface, name}] = v
	o.mu.Unlock()
}

// ---------------------------------------------------------------------
// Service side: method and property handlers
// ---------------------------------------------------------------------

// InstallMethodHandler registers handler to run for incoming
// method_calls on iface.member addressed to o.
func (o *Object) InstallMethodHandler(iface, member string, handler MethodHandler) {
	o.methods.InstallRoute(ifaceMember{iface, member}, func(msg *Message) {
		reply := handler(msg)
		if reply != nil && msg.Flags&FlagNoReplyExpected == 0 {
			_ = o.conn.Send(reply)
		}
	})
}

// UninstallMethodHandler removes a previously installed handler.
func (o *Object) UninstallMethodHandler(iface, member string) {
	o.methods.UninstallRoute(ifaceMember{iface, member})
}

// InstallPropertyHandlers registers get/set handlers for iface.prop; set
// may be nil for a read-only property, in which case writes fail with
// an ErrNamePropertyReadOnly error reply.
func (o *Object) InstallPropertyHandlers(iface, prop string, get PropertyGetHandler, set PropertySetHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.properties[ifaceMember{iface, prop}] = propertyHandlers{get: get, set: set}
}

// InstallReadOnlyProperty registers get as a property that never accepts
// remote writes; a Properties.Set against it fails with
// ErrNamePropertyReadOnly.
func (o *Object) InstallReadOnlyProperty(iface, prop string, get PropertyGetHandler) {
	o.InstallPropertyHandlers(iface, prop, readOnlyProperty(get))
}

// EmitSignal sends iface.member as a signal from o's path.
func (o *Object) EmitSignal(iface, member string, encodeArgs func(w *Writer) error) error {
	msg := NewSignalMessage(o.path, iface, member)
	if encodeArgs != nil {
		if err := msg.EncodeBody(encodeArgs); err != nil {
			return err
		}
	}
	return o.conn.Send(msg)
}

// EmitPropertiesChanged sends the standard PropertiesChanged signal
// (spec §4.9) for iface, with changed giving new values and invalidated
// naming properties whose new value the subscriber must re-fetch.
func (o *Object) EmitPropertiesChanged(iface string, changed map[string]interface{}, invalidated []string) error {
	return o.EmitSignal(propertiesInterface, "PropertiesChanged", func(w *Writer) error {
		if err := w.PushString(iface); err != nil {
			return err
		}
		sub, err := w.OpenArray("{sv}")
		if err != nil {
			return err
		}
		for name, value := range changed {
			entry, err := sub.OpenDictEntry()
			if err != nil {
				return err
			}
			if err := entry.PushString(name); err != nil {
				return err
			}
			if err := encodeVariant(entry, Variant{Value: value}); err != nil {
				return err
			}
			if err := sub.CloseDictEntry(entry); err != nil {
				return err
			}
		}
		if err := w.CloseArray(sub); err != nil {
			return err
		}
		invSub, err := w.OpenArray("s")
		if err != nil {
			return err
		}
		for _, name := range invalidated {
			if err := invSub.PushString(name); err != nil {
				return err
			}
		}
		return w.CloseArray(invSub)
	})
}

// dispatchMethodCall routes an incoming method_call to o's installed
// handlers, falling back to the built-in Properties and ObjectManager
// interfaces, or an UnknownMethod error.
func (o *Object) dispatchMethodCall(conn *Connection, call *Message) {
	if call.Interface == propertiesInterface {
		o.handlePropertiesCall(conn, call)
		return
	}
	if call.Interface == objectManagerIface && call.Member == "GetManagedObjects" {
		o.handleGetManagedObjects(conn, call)
		return
	}
	if reply, ok := o.methods.Lookup(ifaceMember{call.Interface, call.Member}); ok {
		reply(call)
		return
	}
	conn.replyError(call, ErrNameUnknownMethod, fmt.Sprintf("no method %s.%s on %s", call.Interface, call.Member, o.path))
}

func (o *Object) handlePropertiesCall(conn *Connection, call *Message) {
	switch call.Member {
	case "Get":
		var iface, prop string
		r := call.Body()
		if err := Decode(r, &iface); err != nil {
			conn.replyError(call, ErrNameFailed, err.Error())
			return
		}
		if err := Decode(r, &prop); err != nil {
			conn.replyError(call, ErrNameFailed, err.Error())
			return
		}
		o.mu.Lock()
		h, ok := o.properties[ifaceMember{iface, prop}]
		o.mu.Unlock()
		if !ok || h.get == nil {
			conn.replyError(call, ErrNameFailed, fmt.Sprintf("no readable property %s.%s", iface, prop))
			return
		}
		dv, err := h.get()
		if err != nil {
			conn.replyError(call, ErrNameFailed, err.Error())
			return
		}
		reply := NewMethodReturnMessage(call)
		if err := reply.EncodeBody(func(w *Writer) error {
			return encodeVariant(w, Variant{Value: rawValue{dv}})
		}); err != nil {
			conn.replyError(call, ErrNameFailed, err.Error())
			return
		}
		_ = conn.Send(reply)

	case "Set":
		var iface, prop string
		r := call.Body()
		if err := Decode(r, &iface); err != nil {
			conn.replyError(call, ErrNameFailed, err.Error())
			return
		}
		if err := Decode(r, &prop); err != nil {
			conn.replyError(call, ErrNameFailed, err.Error())
			return
		}
		dv, err := decodeDynamic(r)
		if err != nil {
			conn.replyError(call, ErrNameFailed, err.Error())
			return
		}
		o.mu.Lock()
		h, ok := o.properties[ifaceMember{iface, prop}]
		o.mu.Unlock()
		if !ok || h.set == nil {
			conn.replyError(call, ErrNamePropertyReadOnly, fmt.Sprintf("property %s.%s is not writable", iface, prop))
			return
		}
		if err := h.set(dv); err != nil {
			conn.replyError(call, ErrNameFailed, err.Error())
			return
		}
		_ = conn.Send(NewMethodReturnMessage(call))

	case "GetAll":
		var iface string
		if err := Decode(call.Body(), &iface); err != nil {
			conn.replyError(call, ErrNameFailed, err.Error())
			return
		}
		o.mu.Lock()
		values := make(map[string]DynamicValue)
		for key, h := range o.properties {
			if key.iface != iface || h.get == nil {
				continue
			}
			dv, err := h.get()
			if err == nil {
				values[key.member] = dv
			}
		}
		o.mu.Unlock()
		reply := NewMethodReturnMessage(call)
		if err := reply.EncodeBody(func(w *Writer) error {
			sub, err := w.OpenArray("{sv}")
			if err != nil {
				return err
			}
			for name, dv := range values {
				entry, err := sub.OpenDictEntry()
				if err != nil {
					return err
				}
				if err := entry.PushString(name); err != nil {
					return err
				}
				if err := encodeVariant(entry, Variant{Value: rawValue{dv}}); err != nil {
					return err
				}
				if err := sub.CloseDictEntry(entry); err != nil {
					return err
				}
			}
			return w.CloseArray(sub)
		}); err != nil {
			conn.replyError(call, ErrNameFailed, err.Error())
			return
		}
		_ = conn.Send(reply)

	default:
		conn.replyError(call, ErrNameUnknownMethod, fmt.Sprintf("no method %s.%s", propertiesInterface, call.Member))
	}
}

// ---------------------------------------------------------------------
// ObjectManager support (supplemented feature, see DESIGN.md)
// ---------------------------------------------------------------------

// MarkAsObjectManager flags o so it answers GetManagedObjects over the
// children registered with AddChildObject.
func (o *Object) MarkAsObjectManager() {
	o.mu.Lock()
	o.isManager = true
	o.mu.Unlock()
}

// AddChildObject registers child as managed by o, so it is reported by
// GetManagedObjects and a corresponding InterfacesAdded signal is
// emitted.
func (o *Object) AddChildObject(child *Object, interfaces []string) error {
	o.mu.Lock()
	o.children[child.path] = child
	isManager := o.isManager
	o.mu.Unlock()
	if !isManager {
		return nil
	}
	return o.EmitSignal(objectManagerIface, "InterfacesAdded", func(w *Writer) error {
		if err := w.PushObjectPath(child.path); err != nil {
			return err
		}
		sub, err := w.OpenArray("{sa{sv}}")
		if err != nil {
			return err
		}
		for _, iface := range interfaces {
			entry, err := sub.OpenDictEntry()
			if err != nil {
				return err
			}
			if err := entry.PushString(iface); err != nil {
				return err
			}
			propsSub, err := entry.OpenArray("{sv}")
			if err != nil {
				return err
			}
			if err := entry.CloseArray(propsSub); err != nil {
				return err
			}
			if err := sub.CloseDictEntry(entry); err != nil {
				return err
			}
		}
		return w.CloseArray(sub)
	})
}

// RemoveChildObject unregisters child from o's managed set and emits
// InterfacesRemoved.
func (o *Object) RemoveChildObject(child *Object, interfaces []string) error {
	o.mu.Lock()
	delete(o.children, child.path)
	isManager := o.isManager
	o.mu.Unlock()
	if !isManager {
		return nil
	}
	return o.EmitSignal(objectManagerIface, "InterfacesRemoved", func(w *Writer) error {
		if err := w.PushObjectPath(child.path); err != nil {
			return err
		}
		sub, err := w.OpenArray("s")
		if err != nil {
			return err
		}
		for _, iface := range interfaces {
			if err := sub.PushString(iface); err != nil {
				return err
			}
		}
		return w.CloseArray(sub)
	})
}

func (o *Object) handleGetManagedObjects(conn *Connection, call *Message) {
	o.mu.Lock()
	children := make([]*Object, 0, len(o.children))
	for _, c := range o.children {
		children = append(children, c)
	}
	o.mu.Unlock()

	reply := NewMethodReturnMessage(call)
	if err := reply.EncodeBody(func(w *Writer) error {
		sub, err := w.OpenArray("{oa{sa{sv}}}")
		if err != nil {
			return err
		}
		for _, child := range children {
			entry, err := sub.OpenDictEntry()
			if err != nil {
				return err
			}
			if err := entry.PushObjectPath(child.path); err != nil {
				return err
			}
			child.mu.Lock()
			ifaceNames := map[string]struct{}{}
			for key := range child.properties {
				ifaceNames[key.iface] = struct{}{}
			}
			child.mu.Unlock()

			ifacesSub, err := entry.OpenArray("{sa{sv}}")
			if err != nil {
				return err
			}
			for iface := range ifaceNames {
				ifaceEntry, err := ifacesSub.OpenDictEntry()
				if err != nil {
					return err
				}
				if err := ifaceEntry.PushString(iface); err != nil {
					return err
				}
				propsSub, err := ifaceEntry.OpenArray("{sv}")
				if err != nil {
					return err
				}
				child.mu.Lock()
				for key, h := range child.properties {
					if key.iface != iface || h.get == nil {
						continue
					}
					dv, err := h.get()
					if err != nil {
						continue
					}
					propEntry, perr := propsSub.OpenDictEntry()
					if perr != nil {
						child.mu.Unlock()
						return perr
					}
					if perr := propEntry.PushString(key.member); perr != nil {
						child.mu.Unlock()
						return perr
					}
					if perr := encodeVariant(propEntry, Variant{Value: rawValue{dv}}); perr != nil {
						child.mu.Unlock()
						return perr
					}
					if perr := propsSub.CloseDictEntry(propEntry); perr != nil {
						child.mu.Unlock()
						return perr
					}
				}
				child.mu.Unlock()
				if err := ifaceEntry.CloseArray(propsSub); err != nil {
					return err
				}
				if err := ifacesSub.CloseDictEntry(ifaceEntry); err != nil {
					return err
				}
			}
			if err := entry.CloseArray(ifacesSub); err != nil {
				return err
			}
			if err := sub.CloseDictEntry(entry); err != nil {
				return err
			}
		}
		return w.CloseArray(sub)
	}); err != nil {
		conn.replyError(call, ErrNameFailed, err.Error())
		return
	}
	_ = conn.Send(reply)
}
