package dbus

import "reflect"

// Variant is a value tagged with its own signature at runtime (spec §3
// "Variant"). Encoding announces the signature derived from Value's
// dynamic type up front. Decoding builds Value from the wire-announced
// inner signature; it does not compare that signature against any
// expected type, and VariantSignatureMismatchError is not returned from
// decoding. Callers that need a specific type check Value themselves
// (GetProperty, for example, fails with ErrTypeMismatch).
type Variant struct {
	Value interface{}
}

// NewVariant wraps v, computing its signature eagerly so that a value
// with no D-Bus signature is rejected here rather than at encoding time.
// The signature is not stored; encoding derives it again from Value.
func NewVariant(v interface{}) (Variant, error) {
	if _, err := signatureOfType(reflect.TypeOf(v)); err != nil {
		return Variant{}, err
	}
	return Variant{Value: v}, nil
}

// UnixFD is the 'h' wire value: an index into the file descriptors
// attached to a message (spec §4.1). The Connection does not send or
// receive the descriptors themselves; only the index travels in the body.
type UnixFD uint32

// DynamicValue is the "dynamic Any" variant form from spec §4.1: it
// retains the raw readable payload and its announced signature without
// eagerly verifying or decoding it, so that callers can type-decode it
// later (or never). Used by GetAllProperties and GetManagedObjects,
// whose value types are not known statically.
type DynamicValue struct {
	Sig  Signature
	Body []byte
}

// Decode type-decodes the retained payload into out, verifying the
// signature at this point instead of at construction time.
func (d DynamicValue) Decode(out interface{}) error {
	r := &Reader{
		cur: &cursor{data: d.Body},
		sig: string(d.Sig),
	}
	return decodeReflect(r, derefValue(out))
}
