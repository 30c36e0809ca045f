// Package dbustest is the cross-process test fixture spec.md §6
// describes: it launches a private dbus-daemon and exposes its address,
// so integration tests can dial a real broker instead of the in-process
// fake peer used by the core package's unit tests (see
// newTestConnection/runFakeBusDaemon in the root package). This mirrors
// the assumption baked into the teacher's own dbus_test.go, which dials
// whatever session bus is already running in its environment; here that
// environment is spawned on demand instead of assumed.
package dbustest

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Daemon is a private dbus-daemon subprocess started with a minimal
// config file, per spec.md §6 "Addresses": "Private test buses launched
// via a dbus-daemon --config-file=<path> --print-address subprocess".
type Daemon struct {
	cmd     *exec.Cmd
	Address string

	once sync.Once
}

// configTemplate is the smallest config-file dbus-daemon accepts for a
// private, unauthenticated, session-style bus: no policy restrictions,
// EXTERNAL/DBUS_COOKIE_SHA1 auth, listening on an abstract unix socket.
const configTemplate = `<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-Bus Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <listen>unix:tmpdir=%s</listen>
  <auth>EXTERNAL</auth>
  <auth>DBUS_COOKIE_SHA1</auth>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
    <allow own="*"/>
  </policy>
</busconfig>
`

// Start launches a private dbus-daemon, blocking until its address has
// been printed on stdout or startTimeout elapses. Callers must call
// Stop when done; tests should normally do this via t.Cleanup.
func Start(startTimeout time.Duration) (*Daemon, error) {
	tmpDir, err := os.MkdirTemp("", "dbustest-*")
	if err != nil {
		return nil, err
	}

	configPath := tmpDir + "/bus.conf"
	config := fmt.Sprintf(configTemplate, tmpDir)
	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	cmd := exec.Command("dbus-daemon", "--config-file="+configPath, "--print-address", "--nofork")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("dbustest: starting dbus-daemon: %w", err)
	}

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if scanner.Scan() {
			addrCh <- strings.TrimSpace(scanner.Text())
			return
		}
		errCh <- fmt.Errorf("dbustest: dbus-daemon exited before printing its address: %w", scanner.Err())
	}()

	select {
	case addr := <-addrCh:
		return &Daemon{cmd: cmd, Address: addr}, nil
	case err := <-errCh:
		_ = cmd.Process.Kill()
		os.RemoveAll(tmpDir)
		return nil, err
	case <-time.After(startTimeout):
		_ = cmd.Process.Kill()
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("dbustest: dbus-daemon did not print an address within %s", startTimeout)
	}
}

// Stop terminates the daemon subprocess. Idempotent.
func (d *Daemon) Stop() {
	d.once.Do(func() {
		if d.cmd != nil && d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
			_ = d.cmd.Wait()
		}
	})
}

// Export sets the well-known D-Bus environment variables (spec.md §6)
// that Dial/SessionBus resolution reads, pointing them at d. Restore
// undoes the change.
func (d *Daemon) Export() (restore func()) {
	prevSession, hadSession := os.LookupEnv("DBUS_SESSION_BUS_ADDRESS")
	prevStarter, hadStarter := os.LookupEnv("DBUS_STARTER_ADDRESS")
	prevStarterType, hadStarterType := os.LookupEnv("DBUS_STARTER_BUS_TYPE")

	os.Setenv("DBUS_SESSION_BUS_ADDRESS", d.Address)
	os.Setenv("DBUS_STARTER_ADDRESS", d.Address)
	os.Setenv("DBUS_STARTER_BUS_TYPE", "session")

	return func() {
		restoreVar("DBUS_SESSION_BUS_ADDRESS", prevSession, hadSession)
		restoreVar("DBUS_STARTER_ADDRESS", prevStarter, hadStarter)
		restoreVar("DBUS_STARTER_BUS_TYPE", prevStarterType, hadStarterType)
	}
}

func restoreVar(name, prev string, had bool) {
	if had {
		os.Setenv(name, prev)
	} else {
		os.Unsetenv(name)
	}
}
