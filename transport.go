package dbus

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/activation"
	"golang.org/x/sys/unix"
)

// transport abstracts the underlying byte stream a Connection
// authenticates and multiplexes messages over (spec §5 "Transport").
// fdTransportConn below describes connections able to carry Unix file
// descriptors for the 'h' wire type (spec §4.1); the Connection does not
// use it.
type transport interface {
	Dial() (net.Conn, error)
}

// fdTransportConn is implemented by net.Conn values that support
// ancillary-data (SCM_RIGHTS) file descriptor passing: *net.UnixConn.
type fdTransportConn interface {
	net.Conn
	File() (*os.File, error)
}

// newTransport parses a D-Bus server address string (spec §5, e.g.
// "unix:path=/run/user/1000/bus" or "tcp:host=127.0.0.1,port=1234") into
// a dialable transport.
func newTransport(address string) (transport, error) {
	if len(address) == 0 {
		return nil, fmt.Errorf("dbus: %w: empty bus address", ErrInvalidArgument)
	}
	idx := strings.Index(address, ":")
	if idx == -1 {
		return nil, fmt.Errorf("dbus: %w: bus address %q has no transport prefix", ErrInvalidArgument, address)
	}
	transportType := address[:idx]
	options := make(map[string]string)
	if idx+1 < len(address) {
		for _, option := range strings.Split(address[idx+1:], ",") {
			if option == "" {
				continue
			}
			pair := strings.SplitN(option, "=", 2)
			if len(pair) != 2 {
				continue
			}
			key, err := url.QueryUnescape(pair[0])
			if err != nil {
				return nil, err
			}
			value, err := url.QueryUnescape(pair[1])
			if err != nil {
				return nil, err
			}
			options[key] = value
		}
	}

	switch transportType {
	case "unix":
		if abstract, ok := options["abstract"]; ok {
			return &unixTransport{"@" + abstract}, nil
		} else if path, ok := options["path"]; ok {
			return &unixTransport{path}, nil
		}
		return nil, fmt.Errorf("dbus: %w: unix transport requires 'path' or 'abstract'", ErrInvalidArgument)
	case "tcp", "nonce-tcp":
		addr := options["host"] + ":" + options["port"]
		var family string
		switch options["family"] {
		case "", "ipv4":
			family = "tcp4"
		case "ipv6":
			family = "tcp6"
		default:
			return nil, fmt.Errorf("dbus: %w: unknown tcp family %q", ErrInvalidArgument, options["family"])
		}
		if transportType == "tcp" {
			return &tcpTransport{addr, family}, nil
		}
		return &nonceTcpTransport{addr, family, options["noncefile"]}, nil
	case "systemd":
		return newSystemdActivationTransport()
	default:
		return nil, fmt.Errorf("dbus: %w: unhandled transport type %q", ErrInvalidArgument, transportType)
	}
}

type unixTransport struct {
	Address string
}

func (t *unixTransport) Dial() (net.Conn, error) {
	return net.Dial("unix", t.Address)
}

type tcpTransport struct {
	Address, Family string
}

func (t *tcpTransport) Dial() (net.Conn, error) {
	return net.Dial(t.Family, t.Address)
}

type nonceTcpTransport struct {
	Address, Family, NonceFile string
}

func (t *nonceTcpTransport) Dial() (net.Conn, error) {
	data, err := os.ReadFile(t.NonceFile)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial(t.Family, t.Address)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// systemdActivationTransport adopts a socket handed down by systemd
// socket activation (LISTEN_FDS), for processes started as the bus
// itself under "systemd" transport addresses (spec §5's "starter bus").
// Grounded on the coreos/go-systemd activation package used by barista's
// modules/systemd for the complementary (service-side) half of the same
// protocol.
type systemdActivationTransport struct {
	conn net.Conn
}

func newSystemdActivationTransport() (*systemdActivationTransport, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("dbus: systemd activation: %w", err)
	}
	if len(listeners) == 0 {
		return nil, fmt.Errorf("dbus: %w: no sockets handed down by systemd activation", ErrDisconnected)
	}
	ul, ok := listeners[0].(*net.UnixListener)
	if !ok {
		return nil, fmt.Errorf("dbus: %w: systemd-activated socket is not a Unix listener", ErrInvalidArgument)
	}
	conn, err := ul.Accept()
	if err != nil {
		return nil, err
	}
	return &systemdActivationTransport{conn: conn}, nil
}

func (t *systemdActivationTransport) Dial() (net.Conn, error) { return t.conn, nil }

// ---------------------------------------------------------------------
// Unix file descriptor passing (SCM_RIGHTS), spec §4.1 'h' wire type.
// ---------------------------------------------------------------------

// sendUnixRights writes payload over conn with fds attached as ancillary
// SCM_RIGHTS data. Grounded on k3s's rootlesskit port builtin dialer,
// which uses the same unix.UnixRights/Sendmsg pair for fd handoff.
func sendUnixRights(conn *net.UnixConn, payload []byte, fds []int) error {
	if len(fds) == 0 {
		_, err := conn.Write(payload)
		return err
	}
	rights := unix.UnixRights(fds...)
	sconn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	if err := sconn.Write(func(fd uintptr) bool {
		sendErr = unix.Sendmsg(int(fd), payload, rights, nil, 0)
		return true
	}); err != nil {
		return err
	}
	return sendErr
}

// recvUnixRights reads up to len(buf) bytes from conn along with any
// SCM_RIGHTS ancillary data, returning the received file descriptors.
func recvUnixRights(conn *net.UnixConn, buf []byte) (n int, fds []int, err error) {
	oob := make([]byte, unix.CmsgSpace(64*4))
	var oobn int
	sconn, err := conn.SyscallConn()
	if err != nil {
		return 0, nil, err
	}
	if err := sconn.Read(func(fd uintptr) bool {
		n, oobn, _, _, err = unix.Recvmsg(int(fd), buf, oob, 0)
		return true
	}); err != nil {
		return 0, nil, err
	}
	if err != nil {
		return 0, nil, err
	}
	if oobn > 0 {
		cmsgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr == nil {
			for _, cmsg := range cmsgs {
				parsed, perr := unix.ParseUnixRights(&cmsg)
				if perr == nil {
					fds = append(fds, parsed...)
				}
			}
		}
	}
	return n, fds, nil
}
