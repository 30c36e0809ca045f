package dbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchRuleRenderStableOrder(t *testing.T) {
	rule := NewMatchRule().
		WithDestination(":1.5").
		WithType(TypeSignal).
		WithMember("PropertiesChanged").
		WithInterface("org.example.Iface").
		WithArg(1, "b").
		WithArg(0, "a")

	require.Equal(t,
		"type='signal',interface='org.example.Iface',member='PropertiesChanged',destination=':1.5',arg0='a',arg1='b'",
		rule.Render())
}

func TestMatchRuleRoundTripsThroughRender(t *testing.T) {
	rule := NewMatchRule().
		WithType(TypeSignal).
		WithSender("org.freedesktop.DBus").
		WithPathNamespace(Root.Child("org").Child("example")).
		WithInterface("org.example.Iface").
		WithMember("Changed").
		WithArg(2, "x")

	parsed, err := ParseMatchRule(rule.Render())
	require.NoError(t, err)
	require.Equal(t, rule.Render(), parsed.Render())
}

func TestMatchRuleWithPathAndNamespaceAreExclusive(t *testing.T) {
	rule := NewMatchRule().WithPath("/org/example").WithPathNamespace("/org")
	require.Equal(t, "path_namespace='/org'", rule.Render())

	rule2 := NewMatchRule().WithPathNamespace("/org").WithPath("/org/example")
	require.Equal(t, "path='/org/example'", rule2.Render())
}

func TestMatchRuleMatchesFiltersByTypeInterfaceMember(t *testing.T) {
	rule := NewMatchRule().WithType(TypeSignal).WithInterface("org.example.Iface").WithMember("Changed")

	sig := NewSignalMessage("/org/example", "org.example.Iface", "Changed")
	require.True(t, rule.Matches(sig))

	wrongMember := NewSignalMessage("/org/example", "org.example.Iface", "Other")
	require.False(t, rule.Matches(wrongMember))

	call := NewMethodCallMessage("org.example", "/org/example", "org.example.Iface", "Changed")
	require.False(t, rule.Matches(call))
}

func TestMatchRuleMatchesPathNamespace(t *testing.T) {
	rule := NewMatchRule().WithPathNamespace("/org/example")

	inside := NewSignalMessage("/org/example/child", "org.example.Iface", "Changed")
	require.True(t, rule.Matches(inside))

	exact := NewSignalMessage("/org/example", "org.example.Iface", "Changed")
	require.True(t, rule.Matches(exact))

	outside := NewSignalMessage("/org/other", "org.example.Iface", "Changed")
	require.False(t, rule.Matches(outside))
}

func TestMatchRuleMatchesArgN(t *testing.T) {
	rule := NewMatchRule().WithArg(0, "org.example.Iface")

	msg := NewSignalMessage("/org/example", "org.example.Iface", "PropertiesChanged")
	require.NoError(t, msg.EncodeBody(func(w *Writer) error { return w.PushString("org.example.Iface") }))
	require.True(t, rule.Matches(msg))

	other := NewSignalMessage("/org/example", "org.example.Iface", "PropertiesChanged")
	require.NoError(t, other.EncodeBody(func(w *Writer) error { return w.PushString("org.other.Iface") }))
	require.False(t, rule.Matches(other))
}

func TestParseMatchRuleRejectsMalformedInput(t *testing.T) {
	_, err := ParseMatchRule("bogus")
	require.Error(t, err)

	_, err = ParseMatchRule("type='nonsense'")
	require.Error(t, err)
}

func TestParseMatchRuleEmptyStringMatchesEverything(t *testing.T) {
	rule, err := ParseMatchRule("")
	require.NoError(t, err)
	require.Equal(t, "", rule.Render())
	require.True(t, rule.Matches(NewSignalMessage(Root, "any.iface", "AnyMember")))
}
