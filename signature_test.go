package dbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignatureOfBasicTypes(t *testing.T) {
	sig, err := SignatureOf[string]()
	require.NoError(t, err)
	require.EqualValues(t, "s", sig)

	sig, err = SignatureOf[uint32]()
	require.NoError(t, err)
	require.EqualValues(t, "u", sig)

	sig, err = SignatureOf[ObjectPath]()
	require.NoError(t, err)
	require.EqualValues(t, "o", sig)

	sig, err = SignatureOf[Variant]()
	require.NoError(t, err)
	require.EqualValues(t, "v", sig)
}

func TestSignatureOfSliceAndMap(t *testing.T) {
	sig, err := SignatureOf[[]string]()
	require.NoError(t, err)
	require.EqualValues(t, "as", sig)

	sig, err = SignatureOf[map[string]uint32]()
	require.NoError(t, err)
	require.EqualValues(t, "a{su}", sig)
}

func TestSignatureOfStructSkipsUnexportedFields(t *testing.T) {
	type pair struct {
		Name   string
		Count  uint32
		hidden bool
	}
	sig, err := SignatureOf[pair]()
	require.NoError(t, err)
	require.EqualValues(t, "(su)", sig)
}

func TestSignatureOfBareInterfaceIsRejected(t *testing.T) {
	_, err := SignatureOf[interface{}]()
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSplitOneTypeHandlesNestedContainers(t *testing.T) {
	sig, next, err := splitOneType("a{sv}s", 0)
	require.NoError(t, err)
	require.Equal(t, "a{sv}", sig)
	require.Equal(t, 5, next)

	sig, next, err = splitOneType("(ii)x", 0)
	require.NoError(t, err)
	require.Equal(t, "(ii)", sig)
	require.Equal(t, 4, next)
}

func TestAlignmentForKnownCodes(t *testing.T) {
	require.Equal(t, 4, alignmentFor('i'))
	require.Equal(t, 8, alignmentFor('x'))
	require.Equal(t, 1, alignmentFor('y'))
	require.Equal(t, 8, alignmentFor('('))
}
