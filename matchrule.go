package dbus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MatchRule is an immutable, fluently-built filter over messages, used
// both for local dispatch (spec §4.7) and for the wire-level
// org.freedesktop.DBus.AddMatch rule string it renders to. Each With*
// call returns a new MatchRule; the zero value matches everything.
type MatchRule struct {
	msgType   MessageType
	sender    string
	path      ObjectPath
	pathNS    ObjectPath
	iface     string
	member    string
	destination string
	argN      map[int]string
}

// NewMatchRule returns the empty match rule (matches any message).
func NewMatchRule() MatchRule { return MatchRule{} }

func (r MatchRule) clone() MatchRule {
	c := r
	if r.argN != nil {
		c.argN = make(map[int]string, len(r.argN))
		for k, v := range r.argN {
			c.argN[k] = v
		}
	}
	return c
}

// WithType constrains the rule to messages of the given type.
func (r MatchRule) WithType(t MessageType) MatchRule {
	c := r.clone()
	c.msgType = t
	return c
}

// WithSender constrains the rule to messages from sender (a unique or
// well-known bus name).
func (r MatchRule) WithSender(sender string) MatchRule {
	c := r.clone()
	c.sender = sender
	return c
}

// WithPath constrains the rule to messages addressed exactly to path.
func (r MatchRule) WithPath(path ObjectPath) MatchRule {
	c := r.clone()
	c.path = path
	c.pathNS = ""
	return c
}

// WithPathNamespace constrains the rule to messages addressed to ns or
// any descendant of ns.
func (r MatchRule) WithPathNamespace(ns ObjectPath) MatchRule {
	c := r.clone()
	c.pathNS = ns
	c.path = ""
	return c
}

// WithInterface constrains the rule to messages on the given interface.
func (r MatchRule) WithInterface(iface string) MatchRule {
	c := r.clone()
	c.iface = iface
	return c
}

// WithMember constrains the rule to messages with the given member name.
func (r MatchRule) WithMember(member string) MatchRule {
	c := r.clone()
	c.member = member
	return c
}

// WithDestination constrains the rule to messages addressed to
// destination.
func (r MatchRule) WithDestination(destination string) MatchRule {
	c := r.clone()
	c.destination = destination
	return c
}

// WithArg constrains the rule to messages whose Nth body argument (which
// must have string signature) equals value, per spec §4.7's argN
// filters.
func (r MatchRule) WithArg(n int, value string) MatchRule {
	c := r.clone()
	if c.argN == nil {
		c.argN = make(map[int]string)
	}
	c.argN[n] = value
	return c
}

// Type, Sender, Path, Interface and Member expose the rule's fields for
// read-only inspection (e.g. by a Router's key function).
func (r MatchRule) Type() MessageType  { return r.msgType }
func (r MatchRule) Sender() string     { return r.sender }
func (r MatchRule) Path() ObjectPath   { return r.path }
func (r MatchRule) Interface() string  { return r.iface }
func (r MatchRule) Member() string     { return r.member }

// Render produces the D-Bus AddMatch rule string for r, with fields in
// the canonical order type, sender, interface, member, path
// (spec §4.3), so Render is idempotent across repeated calls and
// round-trips through ParseMatchRule.
func (r MatchRule) Render() string {
	var params []string
	if r.msgType != TypeInvalid {
		params = append(params, fmt.Sprintf("type='%s'", r.msgType))
	}
	if r.sender != "" {
		params = append(params, fmt.Sprintf("sender='%s'", r.sender))
	}
	if r.iface != "" {
		params = append(params, fmt.Sprintf("interface='%s'", r.iface))
	}
	if r.member != "" {
		params = append(params, fmt.Sprintf("member='%s'", r.member))
	}
	if r.path != "" {
		params = append(params, fmt.Sprintf("path='%s'", r.path))
	}
	if r.pathNS != "" {
		params = append(params, fmt.Sprintf("path_namespace='%s'", r.pathNS))
	}
	if r.destination != "" {
		params = append(params, fmt.Sprintf("destination='%s'", r.destination))
	}
	argKeys := make([]int, 0, len(r.argN))
	for k := range r.argN {
		argKeys = append(argKeys, k)
	}
	sort.Ints(argKeys)
	for _, k := range argKeys {
		params = append(params, fmt.Sprintf("arg%d='%s'", k, r.argN[k]))
	}
	return strings.Join(params, ",")
}

// Matches reports whether msg satisfies every constraint in r.
func (r MatchRule) Matches(msg *Message) bool {
	if r.msgType != TypeInvalid && r.msgType != msg.Type {
		return false
	}
	if r.sender != "" && r.sender != msg.Sender {
		return false
	}
	if r.path != "" && r.path != msg.Path {
		return false
	}
	if r.pathNS != "" && !isUnderNamespace(msg.Path, r.pathNS) {
		return false
	}
	if r.iface != "" && r.iface != msg.Interface {
		return false
	}
	if r.member != "" && r.member != msg.Member {
		return false
	}
	if r.destination != "" && r.destination != msg.Destination {
		return false
	}
	for n, want := range r.argN {
		got, ok := nthStringArg(msg, n)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func isUnderNamespace(path, ns ObjectPath) bool {
	if path == ns {
		return true
	}
	return strings.HasPrefix(string(path), string(ns)+"/")
}

func nthStringArg(msg *Message, n int) (string, bool) {
	r := msg.Body()
	for i := 0; i <= n; i++ {
		if r.Exhausted() {
			return "", false
		}
		var s string
		if err := Decode(r, &s); err != nil {
			return "", false
		}
		if i == n {
			return s, true
		}
	}
	return "", false
}

// ParseMatchRule parses a rendered match rule string back into a
// MatchRule, the inverse of Render.
func ParseMatchRule(s string) (MatchRule, error) {
	r := NewMatchRule()
	if s == "" {
		return r, nil
	}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return MatchRule{}, fmt.Errorf("dbus: %w: malformed match rule clause %q", ErrInvalidArgument, part)
		}
		key := kv[0]
		val := strings.Trim(kv[1], "'")
		switch {
		case key == "type":
			switch val {
			case "method_call":
				r = r.WithType(TypeMethodCall)
			case "method_return":
				r = r.WithType(TypeMethodReturn)
			case "error":
				r = r.WithType(TypeError)
			case "signal":
				r = r.WithType(TypeSignal)
			default:
				return MatchRule{}, fmt.Errorf("dbus: %w: unknown match rule type %q", ErrInvalidArgument, val)
			}
		case key == "sender":
			r = r.WithSender(val)
		case key == "path":
			r = r.WithPath(ObjectPath(val))
		case key == "path_namespace":
			r = r.WithPathNamespace(ObjectPath(val))
		case key == "interface":
			r = r.WithInterface(val)
		case key == "member":
			r = r.WithMember(val)
		case key == "destination":
			r = r.WithDestination(val)
		case strings.HasPrefix(key, "arg"):
			n, err := strconv.Atoi(strings.TrimPrefix(key, "arg"))
			if err != nil {
				return MatchRule{}, fmt.Errorf("dbus: %w: malformed arg key %q", ErrInvalidArgument, key)
			}
			r = r.WithArg(n, val)
		default:
			return MatchRule{}, fmt.Errorf("dbus: %w: unknown match rule key %q", ErrInvalidArgument, key)
		}
	}
	return r, nil
}
