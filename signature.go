package dbus

import (
	"fmt"
	"reflect"
)

// Signature is an opaque string matching the D-Bus wire signature
// grammar (spec §3 "Signature"): basic letters y b n q i u x t d s o g h,
// container forms a_, (...), {k v}, and variant v.
type Signature string

var (
	typeObjectPath = reflect.TypeOf(ObjectPath(""))
	typeSignature  = reflect.TypeOf(Signature(""))
	typeVariant    = reflect.TypeOf(Variant{})
	typeUnixFD     = reflect.TypeOf(UnixFD(0))
	typeDynamic    = reflect.TypeOf(DynamicValue{})
	typeEmptyIface = reflect.TypeOf((*interface{})(nil)).Elem()
)

// SignatureOf computes the wire signature for T, per spec §4.1
// signature_of<T>(): basic types map to their fixed letter; slices/arrays
// map to "a"+element; maps map to "a{KV}"; structs map to "(...)"; Variant
// maps to "v"; interface{} is rejected (use Variant or DynamicValue to
// carry a dynamically typed value).
func SignatureOf[T any]() (Signature, error) {
	var zero T
	return signatureOfType(reflect.TypeOf(zero))
}

func signatureOfType(t reflect.Type) (Signature, error) {
	if t == nil {
		return "", fmt.Errorf("dbus: %w: cannot derive a signature for a nil interface value", ErrInvalidArgument)
	}
	switch {
	case t == typeObjectPath:
		return "o", nil
	case t == typeSignature:
		return "g", nil
	case t == typeVariant:
		return "v", nil
	case t == typeUnixFD:
		return "h", nil
	case t == typeDynamic:
		return "v", nil
	}
	switch t.Kind() {
	case reflect.Uint8:
		return "y", nil
	case reflect.Bool:
		return "b", nil
	case reflect.Int16:
		return "n", nil
	case reflect.Uint16:
		return "q", nil
	case reflect.Int32, reflect.Int:
		return "i", nil
	case reflect.Uint32, reflect.Uint:
		return "u", nil
	case reflect.Int64:
		return "x", nil
	case reflect.Uint64:
		return "t", nil
	case reflect.Float64, reflect.Float32:
		return "d", nil
	case reflect.String:
		return "s", nil
	case reflect.Slice, reflect.Array:
		elemSig, err := signatureOfType(t.Elem())
		if err != nil {
			return "", err
		}
		return Signature("a" + string(elemSig)), nil
	case reflect.Map:
		keySig, err := signatureOfType(t.Key())
		if err != nil {
			return "", err
		}
		valSig, err := signatureOfType(t.Elem())
		if err != nil {
			return "", err
		}
		return Signature("a{" + string(keySig) + string(valSig) + "}"), nil
	case reflect.Struct:
		var sig string
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			fieldSig, err := signatureOfType(f.Type)
			if err != nil {
				return "", err
			}
			sig += string(fieldSig)
		}
		return Signature("(" + sig + ")"), nil
	case reflect.Ptr:
		return signatureOfType(t.Elem())
	case reflect.Interface:
		return "", fmt.Errorf("dbus: %w: bare interface{} has no static signature, use Variant or DynamicValue", ErrInvalidArgument)
	}
	return "", fmt.Errorf("dbus: %w: unsupported type %s", ErrInvalidArgument, t)
}

// alignmentFor returns the wire alignment, in bytes, for the type whose
// signature starts with code.
func alignmentFor(code byte) int {
	switch code {
	case 'y', 'g':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a', 'h':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	case 'v':
		return 1
	default:
		return 1
	}
}

// splitOneType consumes exactly one complete type from sig starting at
// pos (handling nested parens/braces) and returns it along with the
// position immediately after it.
func splitOneType(sig string, pos int) (string, int, error) {
	if pos >= len(sig) {
		return "", pos, fmt.Errorf("dbus: %w: signature %q truncated at %d", ErrInvalidArgument, sig, pos)
	}
	start := pos
	switch sig[pos] {
	case 'a':
		// array: 'a' followed by exactly one complete element type.
		_, next, err := splitOneType(sig, pos+1)
		if err != nil {
			return "", pos, err
		}
		return sig[start:next], next, nil
	case '(':
		depth := 1
		p := pos + 1
		for depth > 0 {
			if p >= len(sig) {
				return "", pos, fmt.Errorf("dbus: %w: unbalanced struct signature %q", ErrInvalidArgument, sig)
			}
			switch sig[p] {
			case '(':
				depth++
			case ')':
				depth--
			}
			p++
		}
		return sig[start:p], p, nil
	case '{':
		depth := 1
		p := pos + 1
		for depth > 0 {
			if p >= len(sig) {
				return "", pos, fmt.Errorf("dbus: %w: unbalanced dict-entry signature %q", ErrInvalidArgument, sig)
			}
			switch sig[p] {
			case '{':
				depth++
			case '}':
				depth--
			}
			p++
		}
		return sig[start:p], p, nil
	default:
		return sig[start : pos+1], pos + 1, nil
	}
}
