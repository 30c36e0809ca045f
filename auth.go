package dbus

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Authenticator implements one SASL mechanism for the initial
// authentication handshake that precedes the D-Bus binary protocol
// (spec §5 "Authentication").
type Authenticator interface {
	Mechanism() []byte
	InitialResponse() []byte
	ProcessData([]byte) ([]byte, error)
}

// AuthExternal authenticates by asserting the connecting process's Unix
// UID, relying on the transport (a Unix domain socket) to have already
// verified it via SO_PEERCRED.
type AuthExternal struct{}

func (p *AuthExternal) Mechanism() []byte { return []byte("EXTERNAL") }

func (p *AuthExternal) InitialResponse() []byte {
	uid := []byte(strconv.Itoa(os.Getuid()))
	uidHex := make([]byte, hex.EncodedLen(len(uid)))
	hex.Encode(uidHex, uid)
	return uidHex
}

func (p *AuthExternal) ProcessData([]byte) ([]byte, error) {
	return nil, fmt.Errorf("dbus: %w: EXTERNAL does not expect a DATA challenge", ErrInvalidArgument)
}

// AuthDbusCookieSha1 authenticates with the DBUS_COOKIE_SHA1 mechanism:
// a shared-secret cookie readable from ~/.dbus-keyrings is combined with
// a server-supplied and a client-supplied challenge and hashed.
type AuthDbusCookieSha1 struct{}

func (p *AuthDbusCookieSha1) Mechanism() []byte { return []byte("DBUS_COOKIE_SHA1") }

func (p *AuthDbusCookieSha1) InitialResponse() []byte {
	user := []byte(os.Getenv("USER"))
	userHex := make([]byte, hex.EncodedLen(len(user)))
	hex.Encode(userHex, user)
	return userHex
}

func (p *AuthDbusCookieSha1) ProcessData(mesg []byte) ([]byte, error) {
	decodedLen, err := hex.Decode(mesg, mesg)
	if err != nil {
		return nil, err
	}
	mesgTokens := bytes.SplitN(mesg[:decodedLen], []byte(" "), 3)
	if len(mesgTokens) != 3 {
		return nil, fmt.Errorf("dbus: %w: malformed DBUS_COOKIE_SHA1 challenge", ErrInvalidArgument)
	}

	keyringPath := os.Getenv("HOME") + "/.dbus-keyrings/" + string(mesgTokens[0])
	file, err := os.Open(keyringPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	fileStream := bufio.NewReader(file)

	var cookie []byte
	for {
		line, _, err := fileStream.ReadLine()
		if err == io.EOF {
			return nil, fmt.Errorf("dbus: %w: cookie %q not found in %s", ErrInvalidArgument, mesgTokens[1], keyringPath)
		} else if err != nil {
			return nil, err
		}
		cookieTokens := bytes.SplitN(line, []byte(" "), 3)
		if len(cookieTokens) == 3 && bytes.Equal(cookieTokens[0], mesgTokens[1]) {
			cookie = cookieTokens[2]
			break
		}
	}

	challenge := make([]byte, len(mesgTokens[2]))
	if _, err = rand.Read(challenge); err != nil {
		return nil, err
	}
	// rand.Read can legally produce bytes that would terminate the
	// space-delimited challenge line; strip any that would.
	for temp := challenge; ; {
		index := bytes.IndexAny(temp, " \t")
		if index == -1 {
			break
		}
		if _, err := rand.Read(temp[index : index+1]); err != nil {
			return nil, err
		}
		temp = temp[index:]
	}

	hash := sha1.New()
	if _, err := hash.Write(bytes.Join([][]byte{mesgTokens[2], challenge, cookie}, []byte(":"))); err != nil {
		return nil, err
	}

	resp := bytes.Join([][]byte{challenge, []byte(hex.EncodeToString(hash.Sum(nil)))}, []byte(" "))
	respHex := make([]byte, hex.EncodedLen(len(resp)))
	hex.Encode(respHex, resp)
	return append([]byte("DATA "), respHex...), nil
}

// authenticate drives the SASL handshake (spec §5) over rw using mech,
// returning once the server has sent OK/AGREE_UNIX_FD and BEGIN has been
// sent. rw is the raw transport connection, not yet carrying any binary
// D-Bus messages.
func authenticate(rw io.ReadWriter, mech Authenticator, negotiateUnixFDs bool) (fdsAgreed bool, err error) {
	// The protocol requires a single NUL byte before the first command,
	// conventionally carrying the SCM_CREDENTIALS of the connecting
	// process on a Unix socket.
	if _, err := rw.Write([]byte{0}); err != nil {
		return false, err
	}

	in := bufio.NewReader(rw)
	msg := bytes.Join([][]byte{[]byte("AUTH"), mech.Mechanism(), mech.InitialResponse()}, []byte(" "))
	if _, err := rw.Write(append(msg, "\r\n"...)); err != nil {
		return false, err
	}

	authenticated := false
	for {
		line, _, rerr := in.ReadLine()
		if rerr != nil {
			return false, rerr
		}

		switch {
		case bytes.HasPrefix(line, []byte("DATA")):
			resp, perr := mech.ProcessData(line[minInt(len("DATA "), len(line)):])
			if perr != nil {
				if _, werr := rw.Write([]byte("CANCEL\r\n")); werr != nil {
					return false, werr
				}
				continue
			}
			if _, werr := rw.Write(append(resp, "\r\n"...)); werr != nil {
				return false, werr
			}

		case bytes.HasPrefix(line, []byte("OK")):
			authenticated = true
			if negotiateUnixFDs {
				if _, werr := rw.Write([]byte("NEGOTIATE_UNIX_FD\r\n")); werr != nil {
					return false, werr
				}
				continue
			}
			if _, werr := rw.Write([]byte("BEGIN\r\n")); werr != nil {
				return false, werr
			}
			return false, nil

		case bytes.HasPrefix(line, []byte("AGREE_UNIX_FD")):
			if _, werr := rw.Write([]byte("BEGIN\r\n")); werr != nil {
				return false, werr
			}
			return true, nil

		case bytes.HasPrefix(line, []byte("ERROR")) && authenticated:
			// Server could not agree to Unix FD passing; proceed without it.
			if _, werr := rw.Write([]byte("BEGIN\r\n")); werr != nil {
				return false, werr
			}
			return false, nil

		case bytes.HasPrefix(line, []byte("REJECTED")):
			return false, fmt.Errorf("dbus: authentication rejected, supported mechanisms: %s", line[minInt(len("REJECTED "), len(line)):])

		case bytes.HasPrefix(line, []byte("ERROR")):
			return false, fmt.Errorf("dbus: authentication error: %s", line[minInt(len("ERROR "), len(line)):])

		default:
			if _, werr := rw.Write([]byte("ERROR\r\n")); werr != nil {
				return false, werr
			}
		}
	}
}

func minInt(l, r int) int {
	if l < r {
		return l
	}
	return r
}
