package dbus

import "github.com/rs/zerolog"

// componentLogger returns a child logger tagged with the given
// component name, matching the contextual sub-logger pattern used by the
// corpus's dbusx wrapper (pkg/linux/dbusx) around zerolog.
func componentLogger(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
