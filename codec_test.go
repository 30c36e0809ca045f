package dbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeScalars(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.PushString("hello"))
	require.NoError(t, w.PushUint32(42))
	require.NoError(t, w.PushBool(true))
	require.NoError(t, w.PushInt64(-7))
	b, err := w.Bytes()
	require.NoError(t, err)
	require.Equal(t, Signature("subx"), w.Signature())

	r := NewReader(w.Signature(), b)
	s, err := r.PopString()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	u, err := r.PopUint32()
	require.NoError(t, err)
	require.EqualValues(t, 42, u)

	bl, err := r.PopBool()
	require.NoError(t, err)
	require.True(t, bl)

	i, err := r.PopInt64()
	require.NoError(t, err)
	require.EqualValues(t, -7, i)
	require.True(t, r.Exhausted())
}

func TestArrayRoundTrip(t *testing.T) {
	w := NewWriter()
	require.NoError(t, Encode(w, []string{"a", "bb", "ccc"}))
	b, err := w.Bytes()
	require.NoError(t, err)

	var out []string
	r := NewReader(w.Signature(), b)
	require.NoError(t, Decode(r, &out))
	require.Equal(t, []string{"a", "bb", "ccc"}, out)
}

func TestMapRoundTrip(t *testing.T) {
	w := NewWriter()
	require.NoError(t, Encode(w, map[string]uint32{"x": 1, "y": 2}))
	b, err := w.Bytes()
	require.NoError(t, err)

	var out map[string]uint32
	r := NewReader(w.Signature(), b)
	require.NoError(t, Decode(r, &out))
	require.Equal(t, map[string]uint32{"x": 1, "y": 2}, out)
}

func TestStructAndDictEntryViaManualContainers(t *testing.T) {
	w := NewWriter()
	arr, err := w.OpenArray("{sv}")
	require.NoError(t, err)
	entry, err := arr.OpenDictEntry()
	require.NoError(t, err)
	require.NoError(t, entry.PushString("k"))
	v, err := entry.OpenVariant("i")
	require.NoError(t, err)
	require.NoError(t, v.PushInt32(9))
	require.NoError(t, entry.CloseVariant(v))
	require.NoError(t, arr.CloseDictEntry(entry))
	require.NoError(t, w.CloseArray(arr))

	b, err := w.Bytes()
	require.NoError(t, err)

	r := NewReader(w.Signature(), b)
	a, err := r.PopArray()
	require.NoError(t, err)
	require.True(t, a.More())
	de, err := a.Element().PopDictEntry()
	require.NoError(t, err)
	k, err := de.PopString()
	require.NoError(t, err)
	require.Equal(t, "k", k)
	inner, sig, err := de.PopVariant()
	require.NoError(t, err)
	require.EqualValues(t, "i", sig)
	iv, err := inner.PopInt32()
	require.NoError(t, err)
	require.EqualValues(t, 9, iv)
	require.False(t, a.More())
}

func TestUnbalancedContainerIsRejected(t *testing.T) {
	w := NewWriter()
	_, err := w.OpenArray("s")
	require.NoError(t, err)
	_, err = w.Bytes()
	require.ErrorIs(t, err, ErrUnbalancedContainer)
}

func TestDecodeTypeMismatch(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.PushString("hi"))
	b, err := w.Bytes()
	require.NoError(t, err)

	r := NewReader(w.Signature(), b)
	var n uint32
	err = Decode(r, &n)
	require.Error(t, err)
	var mismatch *TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestVariantRoundTrip(t *testing.T) {
	w := NewWriter()
	variant, err := NewVariant("payload")
	require.NoError(t, err)
	require.NoError(t, Encode(w, variant))
	b, err := w.Bytes()
	require.NoError(t, err)
	require.EqualValues(t, "v", w.Signature())

	r := NewReader(w.Signature(), b)
	var out Variant
	require.NoError(t, Decode(r, &out))
	require.Equal(t, "payload", out.Value)
}

func TestDynamicValueRetainsPayloadForLaterDecode(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.PushUint32(99))
	b, err := w.Bytes()
	require.NoError(t, err)

	dv := DynamicValue{Sig: w.Signature(), Body: b}
	var n uint32
	require.NoError(t, dv.Decode(&n))
	require.EqualValues(t, 99, n)
}
