package dbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// This file implements the Wire Codec (spec §4.1): a pair of cursors,
// Writer and Reader, over the D-Bus binary wire format. Containers are
// opened and closed explicitly so that an unbalanced open/close is
// caught rather than silently corrupting the message, per the
// "closing must be reached on every exit path" invariant.

type containerKind int

const (
	containerTop containerKind = iota
	containerArray
	containerStruct
	containerVariant
	containerDictEntry
)

// cursor is the shared write buffer (or read slice + position) that all
// Writers/Readers derived from the same message operate on.
type cursor struct {
	// write side
	buf *bytes.Buffer
	// read side
	data []byte
	pos  int
}

func (c *cursor) length() int {
	if c.buf != nil {
		return c.buf.Len()
	}
	return c.pos
}

// ---------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------

// Writer is an append-only cursor over a message body (spec §4.2). The
// zero value is not usable; construct with NewWriter.
type Writer struct {
	cur   *cursor
	sig   bytes.Buffer // signature of values pushed directly at this depth
	kind  containerKind
	stack *[]containerKind // shared open-container stack, for balance checks

	arrLenPos   int
	arrContent  int
	variantSig  Signature
}

// NewWriter creates a Writer over a fresh, empty body.
func NewWriter() *Writer {
	stack := make([]containerKind, 0, 4)
	return &Writer{cur: &cursor{buf: &bytes.Buffer{}}, kind: containerTop, stack: &stack}
}

// Bytes returns the accumulated wire bytes. It is an error to call this
// while any container opened from this Writer is still unclosed.
func (w *Writer) Bytes() ([]byte, error) {
	if len(*w.stack) != 0 {
		return nil, ErrUnbalancedContainer
	}
	return w.cur.buf.Bytes(), nil
}

// Signature returns the signature of the values pushed so far at this
// cursor's depth.
func (w *Writer) Signature() Signature { return Signature(w.sig.String()) }

func (w *Writer) align(n int) {
	for w.cur.buf.Len()%n != 0 {
		w.cur.buf.WriteByte(0)
	}
}

func (w *Writer) pushRawSignature(sig string) {
	w.align(1)
	w.cur.buf.WriteByte(byte(len(sig)))
	w.cur.buf.WriteString(sig)
	w.cur.buf.WriteByte(0)
}

// PushByte appends a byte ('y').
func (w *Writer) PushByte(v byte) error {
	w.cur.buf.WriteByte(v)
	w.sig.WriteByte('y')
	return nil
}

// PushBool appends a boolean ('b'), wire-encoded as a uint32.
func (w *Writer) PushBool(v bool) error {
	w.align(4)
	n := uint32(0)
	if v {
		n = 1
	}
	binary.Write(w.cur.buf, binary.LittleEndian, n)
	w.sig.WriteByte('b')
	return nil
}

// PushInt16 appends an int16 ('n').
func (w *Writer) PushInt16(v int16) error {
	w.align(2)
	binary.Write(w.cur.buf, binary.LittleEndian, v)
	w.sig.WriteByte('n')
	return nil
}

// PushUint16 appends a uint16 ('q').
func (w *Writer) PushUint16(v uint16) error {
	w.align(2)
	binary.Write(w.cur.buf, binary.LittleEndian, v)
	w.sig.WriteByte('q')
	return nil
}

// PushInt32 appends an int32 ('i').
func (w *Writer) PushInt32(v int32) error {
	w.align(4)
	binary.Write(w.cur.buf, binary.LittleEndian, v)
	w.sig.WriteByte('i')
	return nil
}

// PushUint32 appends a uint32 ('u').
func (w *Writer) PushUint32(v uint32) error {
	w.align(4)
	binary.Write(w.cur.buf, binary.LittleEndian, v)
	w.sig.WriteByte('u')
	return nil
}

// PushInt64 appends an int64 ('x').
func (w *Writer) PushInt64(v int64) error {
	w.align(8)
	binary.Write(w.cur.buf, binary.LittleEndian, v)
	w.sig.WriteByte('x')
	return nil
}

// PushUint64 appends a uint64 ('t').
func (w *Writer) PushUint64(v uint64) error {
	w.align(8)
	binary.Write(w.cur.buf, binary.LittleEndian, v)
	w.sig.WriteByte('t')
	return nil
}

// PushFloat64 appends an IEEE-754 double ('d').
func (w *Writer) PushFloat64(v float64) error {
	w.align(8)
	binary.Write(w.cur.buf, binary.LittleEndian, math.Float64bits(v))
	w.sig.WriteByte('d')
	return nil
}

// PushString appends a UTF-8 string ('s').
func (w *Writer) PushString(v string) error {
	w.align(4)
	binary.Write(w.cur.buf, binary.LittleEndian, uint32(len(v)))
	w.cur.buf.WriteString(v)
	w.cur.buf.WriteByte(0)
	w.sig.WriteByte('s')
	return nil
}

// PushObjectPath appends a validated object path ('o').
func (w *Writer) PushObjectPath(v ObjectPath) error {
	if !v.IsValid() {
		return &invalidObjectPathError{string(v)}
	}
	w.align(4)
	binary.Write(w.cur.buf, binary.LittleEndian, uint32(len(v)))
	w.cur.buf.WriteString(string(v))
	w.cur.buf.WriteByte(0)
	w.sig.WriteByte('o')
	return nil
}

// PushSignature appends a Signature value ('g').
func (w *Writer) PushSignature(v Signature) error {
	w.pushRawSignature(string(v))
	w.sig.WriteByte('g')
	return nil
}

// PushUnixFD appends a Unix file descriptor index ('h'). Only the index
// is written; the Connection does not transfer the descriptor itself
// (transport.go's ancillary-data helpers are not used by it).
func (w *Writer) PushUnixFD(index uint32) error {
	w.align(4)
	binary.Write(w.cur.buf, binary.LittleEndian, index)
	w.sig.WriteByte('h')
	return nil
}

func (w *Writer) pushContainer(kind containerKind) {
	*w.stack = append(*w.stack, kind)
}

func (w *Writer) popContainer(kind containerKind) error {
	n := len(*w.stack)
	if n == 0 || (*w.stack)[n-1] != kind {
		return ErrUnbalancedContainer
	}
	*w.stack = (*w.stack)[:n-1]
	return nil
}

// OpenArray begins an array whose elements have signature elemSig. The
// returned sub-Writer must be used to push exactly the array's elements
// and then passed to CloseArray.
func (w *Writer) OpenArray(elemSig Signature) (*Writer, error) {
	w.align(4)
	lenPos := w.cur.buf.Len()
	binary.Write(w.cur.buf, binary.LittleEndian, uint32(0))
	w.align(alignmentFor(elemSig[0]))
	contentStart := w.cur.buf.Len()
	w.pushContainer(containerArray)
	sub := &Writer{cur: w.cur, kind: containerArray, stack: w.stack, arrLenPos: lenPos, arrContent: contentStart}
	w.sig.WriteByte('a')
	w.sig.WriteString(string(elemSig))
	return sub, nil
}

// CloseArray finalizes the array opened by sub, patching its length
// prefix.
func (w *Writer) CloseArray(sub *Writer) error {
	if err := w.popContainer(containerArray); err != nil {
		return err
	}
	contentLen := uint32(w.cur.buf.Len() - sub.arrContent)
	patchUint32(w.cur.buf, sub.arrLenPos, contentLen)
	return nil
}

// OpenStruct begins a struct. The returned sub-Writer accumulates the
// struct's field signature; pass it to CloseStruct when done.
func (w *Writer) OpenStruct() (*Writer, error) {
	w.align(8)
	w.pushContainer(containerStruct)
	sub := &Writer{cur: w.cur, kind: containerStruct, stack: w.stack}
	return sub, nil
}

// CloseStruct finalizes the struct opened by sub.
func (w *Writer) CloseStruct(sub *Writer) error {
	if err := w.popContainer(containerStruct); err != nil {
		return err
	}
	w.sig.WriteByte('(')
	w.sig.Write(sub.sig.Bytes())
	w.sig.WriteByte(')')
	return nil
}

// OpenDictEntry begins a dict-entry (exactly one key push followed by one
// value push). Only valid directly inside an array opened with an
// "a{...}" element signature.
func (w *Writer) OpenDictEntry() (*Writer, error) {
	w.align(8)
	w.pushContainer(containerDictEntry)
	sub := &Writer{cur: w.cur, kind: containerDictEntry, stack: w.stack}
	return sub, nil
}

// CloseDictEntry finalizes the dict-entry opened by sub.
func (w *Writer) CloseDictEntry(sub *Writer) error {
	return w.popContainer(containerDictEntry)
}

// OpenVariant begins a variant whose inner value has signature inner
// (spec §4.1's "the writer is told the inner signature at open_variant").
func (w *Writer) OpenVariant(inner Signature) (*Writer, error) {
	w.pushRawSignature(string(inner))
	w.pushContainer(containerVariant)
	sub := &Writer{cur: w.cur, kind: containerVariant, stack: w.stack, variantSig: inner}
	w.sig.WriteByte('v')
	return sub, nil
}

// CloseVariant finalizes the variant opened by sub.
func (w *Writer) CloseVariant(sub *Writer) error {
	return w.popContainer(containerVariant)
}

func patchUint32(buf *bytes.Buffer, pos int, v uint32) {
	b := buf.Bytes()
	binary.LittleEndian.PutUint32(b[pos:pos+4], v)
}

// ---------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------

// Reader is a destructive, sequential cursor over a message body (spec
// §4.2). A Reader is constrained to a signature string it decodes
// against; each Pop* call verifies the next wire-declared type matches.
type Reader struct {
	cur    *cursor
	sig    string
	sigPos int
}

// NewReader constructs a Reader over data, decoding according to sig.
func NewReader(sig Signature, data []byte) *Reader {
	return &Reader{cur: &cursor{data: data}, sig: string(sig)}
}

// Signature returns the (remaining) signature this Reader decodes
// against.
func (r *Reader) Signature() Signature { return Signature(r.sig) }

// Exhausted reports whether every value named by the Reader's signature
// has been popped.
func (r *Reader) Exhausted() bool { return r.sigPos >= len(r.sig) }

func (r *Reader) align(n int) error {
	for r.cur.pos%n != 0 {
		if r.cur.pos >= len(r.cur.data) {
			return fmt.Errorf("dbus: %w: buffer underrun while aligning", ErrInvalidArgument)
		}
		r.cur.pos++
	}
	return nil
}

func (r *Reader) expect(code byte) error {
	if r.sigPos >= len(r.sig) || r.sig[r.sigPos] != code {
		observed := Signature("")
		if r.sigPos < len(r.sig) {
			observed = Signature(r.sig[r.sigPos:])
		}
		return &TypeMismatchError{Expected: Signature(string(code)), Observed: observed}
	}
	r.sigPos++
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.cur.pos+n > len(r.cur.data) {
		return nil, fmt.Errorf("dbus: %w: buffer underrun reading %d bytes", ErrInvalidArgument, n)
	}
	b := r.cur.data[r.cur.pos : r.cur.pos+n]
	r.cur.pos += n
	return b, nil
}

func (r *Reader) readRawSignature() (string, error) {
	if err := r.align(1); err != nil {
		return "", err
	}
	lb, err := r.take(1)
	if err != nil {
		return "", err
	}
	l := int(lb[0])
	b, err := r.take(l + 1) // +1 for the trailing NUL
	if err != nil {
		return "", err
	}
	return string(b[:l]), nil
}

// PopByte reads a byte ('y').
func (r *Reader) PopByte() (byte, error) {
	if err := r.expect('y'); err != nil {
		return 0, err
	}
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// PopBool reads a boolean ('b').
func (r *Reader) PopBool() (bool, error) {
	if err := r.expect('b'); err != nil {
		return false, err
	}
	if err := r.align(4); err != nil {
		return false, err
	}
	b, err := r.take(4)
	if err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint32(b) != 0, nil
}

// PopInt16 reads an int16 ('n').
func (r *Reader) PopInt16() (int16, error) {
	if err := r.expect('n'); err != nil {
		return 0, err
	}
	if err := r.align(2); err != nil {
		return 0, err
	}
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

// PopUint16 reads a uint16 ('q').
func (r *Reader) PopUint16() (uint16, error) {
	if err := r.expect('q'); err != nil {
		return 0, err
	}
	if err := r.align(2); err != nil {
		return 0, err
	}
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// PopInt32 reads an int32 ('i').
func (r *Reader) PopInt32() (int32, error) {
	if err := r.expect('i'); err != nil {
		return 0, err
	}
	if err := r.align(4); err != nil {
		return 0, err
	}
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// PopUint32 reads a uint32 ('u').
func (r *Reader) PopUint32() (uint32, error) {
	if err := r.expect('u'); err != nil {
		return 0, err
	}
	if err := r.align(4); err != nil {
		return 0, err
	}
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// PopInt64 reads an int64 ('x').
func (r *Reader) PopInt64() (int64, error) {
	if err := r.expect('x'); err != nil {
		return 0, err
	}
	if err := r.align(8); err != nil {
		return 0, err
	}
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// PopUint64 reads a uint64 ('t').
func (r *Reader) PopUint64() (uint64, error) {
	if err := r.expect('t'); err != nil {
		return 0, err
	}
	if err := r.align(8); err != nil {
		return 0, err
	}
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PopFloat64 reads an IEEE-754 double ('d').
func (r *Reader) PopFloat64() (float64, error) {
	if err := r.expect('d'); err != nil {
		return 0, err
	}
	if err := r.align(8); err != nil {
		return 0, err
	}
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (r *Reader) popLengthPrefixedString() (string, error) {
	if err := r.align(4); err != nil {
		return "", err
	}
	lb, err := r.take(4)
	if err != nil {
		return "", err
	}
	l := int(binary.LittleEndian.Uint32(lb))
	b, err := r.take(l + 1)
	if err != nil {
		return "", err
	}
	return string(b[:l]), nil
}

// PopString reads a UTF-8 string ('s').
func (r *Reader) PopString() (string, error) {
	if err := r.expect('s'); err != nil {
		return "", err
	}
	return r.popLengthPrefixedString()
}

// PopObjectPath reads an object path ('o').
func (r *Reader) PopObjectPath() (ObjectPath, error) {
	if err := r.expect('o'); err != nil {
		return "", err
	}
	s, err := r.popLengthPrefixedString()
	if err != nil {
		return "", err
	}
	return ObjectPath(s), nil
}

// PopSignature reads a Signature value ('g').
func (r *Reader) PopSignature() (Signature, error) {
	if err := r.expect('g'); err != nil {
		return "", err
	}
	s, err := r.readRawSignature()
	if err != nil {
		return "", err
	}
	return Signature(s), nil
}

// PopUnixFD reads a Unix file descriptor index ('h').
func (r *Reader) PopUnixFD() (UnixFD, error) {
	if err := r.expect('h'); err != nil {
		return 0, err
	}
	if err := r.align(4); err != nil {
		return 0, err
	}
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return UnixFD(binary.LittleEndian.Uint32(b)), nil
}

// ArrayReader iterates the elements of an array popped by PopArray.
type ArrayReader struct {
	elem *Reader
	end  int
}

// More reports whether at least one more element remains.
func (a *ArrayReader) More() bool { return a.elem.cur.pos < a.end }

// Element returns the Reader positioned to decode the next element; it
// must be fully consumed (per its element signature) before calling More
// again.
func (a *ArrayReader) Element() *Reader {
	a.elem.sigPos = 0
	return a.elem
}

// PopArray begins reading an array ('a'+elem).
func (r *Reader) PopArray() (*ArrayReader, error) {
	if err := r.expect('a'); err != nil {
		return nil, err
	}
	elemSig, next, err := splitOneType(r.sig, r.sigPos)
	if err != nil {
		return nil, err
	}
	r.sigPos = next
	if err := r.align(4); err != nil {
		return nil, err
	}
	lb, err := r.take(4)
	if err != nil {
		return nil, err
	}
	length := int(binary.LittleEndian.Uint32(lb))
	if err := r.align(alignmentFor(elemSig[0])); err != nil {
		return nil, err
	}
	end := r.cur.pos + length
	if end > len(r.cur.data) {
		return nil, fmt.Errorf("dbus: %w: array length %d overruns buffer", ErrInvalidArgument, length)
	}
	sub := &Reader{cur: r.cur, sig: elemSig}
	return &ArrayReader{elem: sub, end: end}, nil
}

// PopStruct begins reading a struct ('(...)'), returning a Reader scoped
// to its fields.
func (r *Reader) PopStruct() (*Reader, error) {
	if err := r.expect('('); err != nil {
		return nil, err
	}
	// expect() already consumed just the '(' marker from the signature
	// cursor; recover the full "(...)" span to locate the field types.
	full, next, err := splitOneType(r.sig, r.sigPos-1)
	if err != nil {
		return nil, err
	}
	r.sigPos = next
	if err := r.align(8); err != nil {
		return nil, err
	}
	return &Reader{cur: r.cur, sig: full[1 : len(full)-1]}, nil
}

// PopDictEntry begins reading a dict-entry ('{kv}'), returning a Reader
// scoped to its key and value.
func (r *Reader) PopDictEntry() (*Reader, error) {
	if err := r.expect('{'); err != nil {
		return nil, err
	}
	full, next, err := splitOneType(r.sig, r.sigPos-1)
	if err != nil {
		return nil, err
	}
	r.sigPos = next
	if err := r.align(8); err != nil {
		return nil, err
	}
	return &Reader{cur: r.cur, sig: full[1 : len(full)-1]}, nil
}

// PopVariant begins reading a variant ('v'), returning a Reader scoped to
// the wire-announced inner value and that announced signature.
func (r *Reader) PopVariant() (*Reader, Signature, error) {
	if err := r.expect('v'); err != nil {
		return nil, "", err
	}
	inner, err := r.readRawSignature()
	if err != nil {
		return nil, "", err
	}
	return &Reader{cur: r.cur, sig: inner}, Signature(inner), nil
}

// ---------------------------------------------------------------------
// Generic encode/decode entry points
// ---------------------------------------------------------------------

// Encode appends v to w, dispatching on v's runtime type (spec §4.1
// encode<T>).
func Encode[T any](w *Writer, v T) error {
	return encodeReflect(w, reflect.ValueOf(v))
}

// Decode pops the next value from r into out, dispatching on T (spec
// §4.1 decode<T>).
func Decode[T any](r *Reader, out *T) error {
	return decodeReflect(r, reflect.ValueOf(out).Elem())
}

func derefValue(v interface{}) reflect.Value {
	return reflect.ValueOf(v).Elem()
}

func encodeReflect(w *Writer, v reflect.Value) error {
	switch tv := v.Interface().(type) {
	case ObjectPath:
		return w.PushObjectPath(tv)
	case Signature:
		return w.PushSignature(tv)
	case UnixFD:
		return w.PushUnixFD(uint32(tv))
	case Variant:
		return encodeVariant(w, tv)
	case DynamicValue:
		return encodeVariant(w, Variant{Value: rawValue{tv}})
	}
	switch v.Kind() {
	case reflect.Uint8:
		return w.PushByte(byte(v.Uint()))
	case reflect.Bool:
		return w.PushBool(v.Bool())
	case reflect.Int16:
		return w.PushInt16(int16(v.Int()))
	case reflect.Uint16:
		return w.PushUint16(uint16(v.Uint()))
	case reflect.Int32, reflect.Int:
		return w.PushInt32(int32(v.Int()))
	case reflect.Uint32, reflect.Uint:
		return w.PushUint32(uint32(v.Uint()))
	case reflect.Int64:
		return w.PushInt64(v.Int())
	case reflect.Uint64:
		return w.PushUint64(v.Uint())
	case reflect.Float64, reflect.Float32:
		return w.PushFloat64(v.Float())
	case reflect.String:
		return w.PushString(v.String())
	case reflect.Slice, reflect.Array:
		elemSig, err := signatureOfType(v.Type().Elem())
		if err != nil {
			return err
		}
		sub, err := w.OpenArray(elemSig)
		if err != nil {
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if err := encodeReflect(sub, v.Index(i)); err != nil {
				return err
			}
		}
		return w.CloseArray(sub)
	case reflect.Map:
		keySig, err := signatureOfType(v.Type().Key())
		if err != nil {
			return err
		}
		valSig, err := signatureOfType(v.Type().Elem())
		if err != nil {
			return err
		}
		sub, err := w.OpenArray(Signature("{" + string(keySig) + string(valSig) + "}"))
		if err != nil {
			return err
		}
		iter := v.MapRange()
		for iter.Next() {
			entry, err := sub.OpenDictEntry()
			if err != nil {
				return err
			}
			if err := encodeReflect(entry, iter.Key()); err != nil {
				return err
			}
			if err := encodeReflect(entry, iter.Value()); err != nil {
				return err
			}
			if err := sub.CloseDictEntry(entry); err != nil {
				return err
			}
		}
		return w.CloseArray(sub)
	case reflect.Struct:
		sub, err := w.OpenStruct()
		if err != nil {
			return err
		}
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).PkgPath != "" {
				continue
			}
			if err := encodeReflect(sub, v.Field(i)); err != nil {
				return err
			}
		}
		return w.CloseStruct(sub)
	case reflect.Ptr:
		return encodeReflect(w, v.Elem())
	case reflect.Interface:
		return encodeVariant(w, Variant{Value: v.Interface()})
	}
	return fmt.Errorf("dbus: %w: cannot encode %s", ErrInvalidArgument, v.Type())
}

// rawValue marks a DynamicValue so encodeVariant can re-emit its raw
// payload verbatim instead of re-deriving a signature.
type rawValue struct{ dv DynamicValue }

func encodeVariant(w *Writer, variant Variant) error {
	if raw, ok := variant.Value.(rawValue); ok {
		sub, err := w.OpenVariant(raw.dv.Sig)
		if err != nil {
			return err
		}
		sub.cur.buf.Write(raw.dv.Body)
		return w.CloseVariant(sub)
	}
	sig, err := signatureOfType(reflect.TypeOf(variant.Value))
	if err != nil {
		return err
	}
	sub, err := w.OpenVariant(sig)
	if err != nil {
		return err
	}
	if err := encodeReflect(sub, reflect.ValueOf(variant.Value)); err != nil {
		return err
	}
	return w.CloseVariant(sub)
}

func decodeReflect(r *Reader, v reflect.Value) error {
	switch v.Interface().(type) {
	case ObjectPath:
		p, err := r.PopObjectPath()
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(p))
		return nil
	case Signature:
		s, err := r.PopSignature()
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(s))
		return nil
	case UnixFD:
		fd, err := r.PopUnixFD()
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(fd))
		return nil
	case Variant:
		vv, err := decodeVariant(r)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(vv))
		return nil
	case DynamicValue:
		dv, err := decodeDynamic(r)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(dv))
		return nil
	}
	switch v.Kind() {
	case reflect.Uint8:
		b, err := r.PopByte()
		if err != nil {
			return err
		}
		v.SetUint(uint64(b))
		return nil
	case reflect.Bool:
		b, err := r.PopBool()
		if err != nil {
			return err
		}
		v.SetBool(b)
		return nil
	case reflect.Int16:
		n, err := r.PopInt16()
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
		return nil
	case reflect.Uint16:
		n, err := r.PopUint16()
		if err != nil {
			return err
		}
		v.SetUint(uint64(n))
		return nil
	case reflect.Int32, reflect.Int:
		n, err := r.PopInt32()
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
		return nil
	case reflect.Uint32, reflect.Uint:
		n, err := r.PopUint32()
		if err != nil {
			return err
		}
		v.SetUint(uint64(n))
		return nil
	case reflect.Int64:
		n, err := r.PopInt64()
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.Uint64:
		n, err := r.PopUint64()
		if err != nil {
			return err
		}
		v.SetUint(n)
		return nil
	case reflect.Float64, reflect.Float32:
		f, err := r.PopFloat64()
		if err != nil {
			return err
		}
		v.SetFloat(f)
		return nil
	case reflect.String:
		s, err := r.PopString()
		if err != nil {
			return err
		}
		v.SetString(s)
		return nil
	case reflect.Slice:
		arr, err := r.PopArray()
		if err != nil {
			return err
		}
		v.Set(reflect.MakeSlice(v.Type(), 0, 0))
		for arr.More() {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := decodeReflect(arr.Element(), elem); err != nil {
				return err
			}
			v.Set(reflect.Append(v, elem))
		}
		return nil
	case reflect.Array:
		arr, err := r.PopArray()
		if err != nil {
			return err
		}
		i := 0
		for arr.More() {
			if i >= v.Len() {
				return fmt.Errorf("dbus: %w: array has more elements than fixed-size %s", ErrInvalidArgument, v.Type())
			}
			if err := decodeReflect(arr.Element(), v.Index(i)); err != nil {
				return err
			}
			i++
		}
		return nil
	case reflect.Map:
		arr, err := r.PopArray()
		if err != nil {
			return err
		}
		v.Set(reflect.MakeMap(v.Type()))
		for arr.More() {
			entry, err := arr.Element().PopDictEntry()
			if err != nil {
				return err
			}
			key := reflect.New(v.Type().Key()).Elem()
			if err := decodeReflect(entry, key); err != nil {
				return err
			}
			val := reflect.New(v.Type().Elem()).Elem()
			if err := decodeReflect(entry, val); err != nil {
				return err
			}
			v.SetMapIndex(key, val)
		}
		return nil
	case reflect.Struct:
		sub, err := r.PopStruct()
		if err != nil {
			return err
		}
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).PkgPath != "" {
				continue
			}
			if err := decodeReflect(sub, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return decodeReflect(r, v.Elem())
	case reflect.Interface:
		vv, err := decodeVariant(r)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(vv.Value))
		return nil
	}
	return fmt.Errorf("dbus: %w: cannot decode into %s", ErrInvalidArgument, v.Type())
}

func decodeVariant(r *Reader) (Variant, error) {
	sub, _, err := r.PopVariant()
	if err != nil {
		return Variant{}, err
	}
	val, err := decodeBySignature(sub, sub.Signature())
	if err != nil {
		return Variant{}, err
	}
	return Variant{Value: val}, nil
}

func decodeDynamic(r *Reader) (DynamicValue, error) {
	sub, sig, err := r.PopVariant()
	if err != nil {
		return DynamicValue{}, err
	}
	start := sub.cur.pos
	if _, err := decodeBySignature(sub, sig); err != nil {
		return DynamicValue{}, err
	}
	return DynamicValue{Sig: sig, Body: sub.cur.data[start:sub.cur.pos]}, nil
}

// decodeBySignature decodes a single value whose static Go type is not
// known ahead of time (the contents of a Variant), producing plain Go
// values (string, bool, int32, []interface{}, map[string]Variant, ...).
func decodeBySignature(r *Reader, sig Signature) (interface{}, error) {
	if len(sig) == 0 {
		return nil, fmt.Errorf("dbus: %w: empty variant signature", ErrInvalidArgument)
	}
	switch sig[0] {
	case 'y':
		return r.PopByte()
	case 'b':
		return r.PopBool()
	case 'n':
		return r.PopInt16()
	case 'q':
		return r.PopUint16()
	case 'i':
		return r.PopInt32()
	case 'u':
		return r.PopUint32()
	case 'x':
		return r.PopInt64()
	case 't':
		return r.PopUint64()
	case 'd':
		return r.PopFloat64()
	case 's':
		return r.PopString()
	case 'o':
		return r.PopObjectPath()
	case 'g':
		return r.PopSignature()
	case 'h':
		return r.PopUnixFD()
	case 'v':
		v, err := decodeVariant(r)
		return v, err
	case 'a':
		elemSig, _, err := splitOneType(string(sig), 1)
		if err != nil {
			return nil, err
		}
		arr, err := r.PopArray()
		if err != nil {
			return nil, err
		}
		if len(elemSig) >= 2 && elemSig[0] == '{' {
			m := map[string]Variant{}
			for arr.More() {
				entry, err := arr.Element().PopDictEntry()
				if err != nil {
					return nil, err
				}
				key, err := entry.PopString()
				if err != nil {
					return nil, err
				}
				val, err := decodeVariant(entry)
				if err != nil {
					return nil, err
				}
				m[key] = val
			}
			return m, nil
		}
		values := []interface{}{}
		for arr.More() {
			val, err := decodeBySignature(arr.Element(), Signature(elemSig))
			if err != nil {
				return nil, err
			}
			values = append(values, val)
		}
		return values, nil
	case '(':
		sub, err := r.PopStruct()
		if err != nil {
			return nil, err
		}
		fields := []interface{}{}
		for !sub.Exhausted() {
			fieldSig, next, err := splitOneType(sub.sig, sub.sigPos)
			if err != nil {
				return nil, err
			}
			val, err := decodeBySignature(sub, Signature(fieldSig))
			if err != nil {
				return nil, err
			}
			sub.sigPos = next
			fields = append(fields, val)
		}
		return fields, nil
	default:
		return nil, fmt.Errorf("dbus: %w: unsupported signature code %q", ErrInvalidArgument, sig[0])
	}
}
