// Package dbus is a client and server library for the D-Bus message bus.
//
// It connects to a session, system, or starter bus; owns and releases
// well-known names; dispatches outgoing method calls (blocking,
// future-based, or callback-based); serves incoming method calls by
// routing them to installed handlers; and delivers typed signals and
// property change notifications to subscribers.
//
// The wire codec, message format, bus connection, reactor integration,
// routing, and the asynchronous call machinery are implemented natively
// here. Introspection XML parsing/generation is an external concern and
// is intentionally not part of this package.
package dbus
