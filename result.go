package dbus

// Result is a typed result-or-error wrapper (spec §3 "Result<T>"). The
// zero value of T is returned alongside a non-nil Err on failure; callers
// should check Err before touching Value.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok constructs a successful Result.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

// Error constructs a failed Result.
func Error[T any](err error) Result[T] {
	var zero T
	return Result[T]{Value: zero, Err: err}
}

// IsError reports whether the result carries an error.
func (r Result[T]) IsError() bool { return r.Err != nil }

// ResultFromMessage decodes a method-return or error Message into a
// Result[T], per spec §4.12. Any other message type is rejected with
// ErrResultFromWrongMessageKind.
func ResultFromMessage[T any](msg *Message) Result[T] {
	switch msg.Type {
	case TypeError:
		name, desc := msg.ErrorName, ""
		_ = Decode(msg.Body(), &desc)
		return Error[T](NewCallError(name, desc))
	case TypeMethodReturn:
		var out T
		if _, isVoid := any(out).(struct{}); !isVoid {
			if err := Decode(msg.Body(), &out); err != nil {
				return Error[T](err)
			}
		}
		// For T = struct{} (void), decoding is the empty sequence: any
		// body bytes present are permitted but ignored, per the
		// resolved Open Question in DESIGN.md.
		return Ok(out)
	default:
		return Error[T](ErrResultFromWrongMessageKind)
	}
}
