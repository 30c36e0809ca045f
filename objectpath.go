package dbus

import (
	"strings"
)

// ObjectPath is a validated D-Bus object path, e.g. "/org/freedesktop/DBus"
// (spec §3 "Object Path"). The zero value is invalid; use NewObjectPath or
// the Root constant.
type ObjectPath string

// Root is the default object path "/".
const Root ObjectPath = "/"

// NewObjectPath validates s against the D-Bus object path grammar and
// returns it as an ObjectPath, or ErrInvalidArgument wrapped with the
// offending string.
func NewObjectPath(s string) (ObjectPath, error) {
	if err := validateObjectPath(s); err != nil {
		return "", err
	}
	return ObjectPath(s), nil
}

func validateObjectPath(s string) error {
	if s == "" || s[0] != '/' {
		return &invalidObjectPathError{s}
	}
	if s == "/" {
		return nil
	}
	if strings.HasSuffix(s, "/") {
		return &invalidObjectPathError{s}
	}
	for _, segment := range strings.Split(s[1:], "/") {
		if segment == "" {
			return &invalidObjectPathError{s}
		}
		for _, r := range segment {
			isValid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
			if !isValid {
				return &invalidObjectPathError{s}
			}
		}
	}
	return nil
}

// invalidObjectPathError is the
// "InvalidObjectPathStringRepresentation" failure named in spec §3.
type invalidObjectPathError struct {
	repr string
}

func (e *invalidObjectPathError) Error() string {
	return "dbus: invalid object path representation: " + e.repr
}

func (e *invalidObjectPathError) Unwrap() error { return ErrInvalidArgument }

// IsValid reports whether p satisfies the object path grammar.
func (p ObjectPath) IsValid() bool { return validateObjectPath(string(p)) == nil }

// Child appends a relative segment to p, e.g. Root.Child("org").Child("foo")
// yields "/org/foo".
func (p ObjectPath) Child(segment string) ObjectPath {
	if p == Root {
		return ObjectPath("/" + segment)
	}
	return p + ObjectPath("/"+segment)
}
