package dbus

import (
	"context"
	"sync"
)

// ErrNamePropertyReadOnly is the wire error name sent back for a Set
// call against a property with no PropertySetHandler installed.
const ErrNamePropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"

// Property is a typed convenience wrapper over a remote object's
// property (spec §4.9 "Property<T>"): Get/Set dispatch through the
// generic GetProperty/SetProperty calls, and WatchChanges multiplexes
// this property's updates out of the shared PropertiesChanged signal.
// It also holds its own locally cached value (spec §3): Get returns it
// directly once either a prior Get or a WatchChanges delivery has
// populated it, and only falls back to a blocking Properties.Get
// otherwise. NewProperty itself does no I/O — the cache starts empty and
// is filled lazily, so constructing a Property never blocks on the bus.
type Property[T any] struct {
	obj      *Object
	iface    string
	name     string
	writable bool

	cacheMu sync.Mutex
	cached  T
	valid   bool
}

// NewProperty constructs a typed proxy for iface.name on obj. writable
// only affects local validation in Set; the bus daemon is still the
// authority on whether a write is actually accepted.
func NewProperty[T any](obj *Object, iface, name string, writable bool) *Property[T] {
	return &Property[T]{obj: obj, iface: iface, name: name, writable: writable}
}

func (p *Property[T]) setCached(v T) {
	p.cacheMu.Lock()
	p.cached, p.valid = v, true
	p.cacheMu.Unlock()
}

func (p *Property[T]) invalidateCached() {
	p.cacheMu.Lock()
	p.valid = false
	p.cacheMu.Unlock()
}

// Get reads the property's current value, returning the locally cached
// value if a prior Get or a PropertiesChanged delivery already refreshed
// it, or else issuing a blocking Properties.Get (spec §3).
func (p *Property[T]) Get(ctx context.Context) (T, error) {
	p.cacheMu.Lock()
	v, ok := p.cached, p.valid
	p.cacheMu.Unlock()
	if ok {
		return v, nil
	}
	v, err := GetProperty[T](ctx, p.obj, p.iface, p.name)
	if err != nil {
		return v, err
	}
	p.setCached(v)
	return v, nil
}

// Set writes value, failing fast with ErrNotWritable if this Property
// was constructed with writable=false. A successful write updates the
// local cache to value immediately, ahead of whatever PropertiesChanged
// delivery the service may also emit for it.
func (p *Property[T]) Set(ctx context.Context, value T) error {
	if !p.writable {
		return ErrNotWritable
	}
	if err := SetProperty(ctx, p.obj, p.iface, p.name, value); err != nil {
		return err
	}
	p.setCached(value)
	return nil
}

// WatchChanges subscribes to this property's interface's
// PropertiesChanged signal and invokes onChange with the decoded new
// value whenever it names this property, or onInvalidated when the
// signal lists it as invalidated instead of announcing a new value. The
// local cache is refreshed before onChange/onInvalidated runs, so a
// concurrent Get observes the update no later than the watcher does
// (spec §5's ordering guarantee).
func (p *Property[T]) WatchChanges(ctx context.Context, onChange func(T), onInvalidated func()) (func(), error) {
	p.obj.ensurePropertyCacheSubscription(ctx)
	changed, err := p.obj.GetSignal(propertiesInterface, "PropertiesChanged")
	if err != nil {
		return nil, err
	}
	return changed.ConnectWithMatchArgs(ctx, map[int]string{0: p.iface}, func(msg *Message) {
		r := msg.Body()
		var iface string
		if err := Decode(r, &iface); err != nil || iface != p.iface {
			return
		}
		arr, err := r.PopArray()
		if err != nil {
			return
		}
		for arr.More() {
			entry, err := arr.Element().PopDictEntry()
			if err != nil {
				return
			}
			name, err := entry.PopString()
			if err != nil {
				return
			}
			if name != p.name {
				continue
			}
			var variant Variant
			if err := Decode(entry, &variant); err != nil {
				return
			}
			if v, ok := variant.Value.(T); ok {
				p.setCached(v)
				if onChange != nil {
					onChange(v)
				}
			}
		}
		invArr, err := r.PopArray()
		if err != nil {
			return
		}
		for invArr.More() {
			var name string
			if err := Decode(invArr.Element(), &name); err != nil {
				return
			}
			if name == p.name {
				p.invalidateCached()
				if onInvalidated != nil {
					onInvalidated()
				}
			}
		}
	})
}

// readOnlyProperty builds a get/set handler pair for a property that
// never accepts writes, per the NotWritable skeleton behavior (spec
// §4.9). Used by services that want to expose a computed or constant
// property without wiring a PropertySetHandler explicitly.
func readOnlyProperty(get PropertyGetHandler) (PropertyGetHandler, PropertySetHandler) {
	return get, nil
}
