package dbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouterInstallLookupDispatch(t *testing.T) {
	r := NewRouter[string]()
	var got *Message
	r.InstallRoute("k", func(msg *Message) { got = msg })

	h, ok := r.Lookup("k")
	require.True(t, ok)
	require.NotNil(t, h)

	msg := NewSignalMessage(Root, "org.example", "Thing")
	require.True(t, r.Dispatch("k", msg))
	require.Same(t, msg, got)

	require.Equal(t, 1, r.Len())
	require.False(t, r.Dispatch("missing", msg))
}

func TestRouterInstallReplacesAndReturnsPrevious(t *testing.T) {
	r := NewRouter[int]()
	first := func(*Message) {}
	prev := r.InstallRoute(1, first)
	require.Nil(t, prev)

	second := func(*Message) {}
	prev = r.InstallRoute(1, second)
	require.NotNil(t, prev)
	require.Equal(t, 1, r.Len())
}

func TestRouterUninstallRoute(t *testing.T) {
	r := NewRouter[string]()
	r.InstallRoute("k", func(*Message) {})
	r.UninstallRoute("k")
	_, ok := r.Lookup("k")
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestRouterHandlerMayUninstallItself(t *testing.T) {
	r := NewRouter[string]()
	r.InstallRoute("k", func(*Message) {
		r.UninstallRoute("k")
	})
	msg := NewSignalMessage(Root, "org.example", "Thing")
	require.NotPanics(t, func() { r.Dispatch("k", msg) })
	_, ok := r.Lookup("k")
	require.False(t, ok)
}

func TestRouterDispatchAllMatching(t *testing.T) {
	r := NewRouter[int]()
	count := 0
	r.InstallRoute(1, func(*Message) { count++ })
	r.InstallRoute(2, func(*Message) { count++ })
	r.InstallRoute(3, func(*Message) { count++ })

	n := r.DispatchAllMatching(func(k int) bool { return k != 3 }, NewSignalMessage(Root, "i", "m"))
	require.Equal(t, 2, n)
	require.Equal(t, 2, count)
}

func TestRouterKeysSnapshot(t *testing.T) {
	r := NewRouter[string]()
	r.InstallRoute("a", func(*Message) {})
	r.InstallRoute("b", func(*Message) {})
	keys := r.Keys()
	require.ElementsMatch(t, []string{"a", "b"}, keys)
}
