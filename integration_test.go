//go:build integration

package dbus_test

// Cross-process seed scenarios from spec.md §8 (S1, S2, S5, S6), run
// against a real dbus-daemon via the dbustest fixture rather than the
// in-process fake peer the rest of the suite uses. Build with
// -tags=integration and a dbus-daemon binary on PATH.

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dbus "github.com/lib-cpp/dbus-cpp-sub000"
	"github.com/lib-cpp/dbus-cpp-sub000/dbustest"
)

func dialTestBus(t *testing.T) *dbus.Connection {
	t.Helper()
	daemon, err := dbustest.Start(5 * time.Second)
	require.NoError(t, err)
	t.Cleanup(daemon.Stop)

	ctx := context.Background()
	conn, err := dbus.Connect(ctx, daemon.Address)
	require.NoError(t, err)
	t.Cleanup(conn.Stop)
	go conn.Run()

	_, err = conn.Hello(ctx)
	require.NoError(t, err)
	return conn
}

// S1: ListNames returns a non-empty "as" body containing the bus's own
// well-known name.
func TestIntegrationListNames(t *testing.T) {
	conn := dialTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	names, err := conn.ListNames(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, names)
	require.Contains(t, names, "org.freedesktop.DBus")
}

// S2: has_owner_for_name is true for the bus daemon itself and false for
// a name nobody owns.
func TestIntegrationHasOwnerForName(t *testing.T) {
	conn := dialTestBus(t)
	ctx := context.Background()

	has, err := conn.HasOwnerForName(ctx, "org.freedesktop.DBus")
	require.NoError(t, err)
	require.True(t, has)

	has, err = conn.HasOwnerForName(ctx, "com.canonical.does.not.exist")
	require.NoError(t, err)
	require.False(t, has)
}

// S5: Peer A registers a service and object exposing a method and a
// signal; Peer B resolves the service, invokes the method, and observes
// the signal.
func TestIntegrationServiceRoundTrip(t *testing.T) {
	const serviceName = "this.is.unlikely.to.exist.Service"
	const objectPath = dbus.ObjectPath("/this/is/unlikely/to/exist/Service")

	serverConn := dialTestBus(t)
	clientConn := dialTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, err := dbus.AddService(ctx, serverConn, serviceName, 0)
	require.NoError(t, err)

	obj, err := server.AddObject(objectPath)
	require.NoError(t, err)
	obj.InstallMethodHandler("this.is.unlikely.to.exist.Iface", "Method", func(call *dbus.Message) *dbus.Message {
		reply := dbus.NewMethodReturnMessage(call)
		require.NoError(t, reply.EncodeBody(func(w *dbus.Writer) error { return w.PushInt64(42) }))
		return reply
	})

	client := dbus.UseService(clientConn, serviceName)
	clientObj := client.Object(objectPath)

	sig, err := clientObj.GetSignal("this.is.unlikely.to.exist.Iface", "Dummy")
	require.NoError(t, err)
	received := make(chan int64, 1)
	unsub, err := dbus.ConnectSignal(ctx, sig, func(v int64) { received <- v })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, obj.EmitSignal("this.is.unlikely.to.exist.Iface", "Dummy", func(w *dbus.Writer) error {
		return w.PushInt64(42)
	}))

	result := dbus.InvokeMethodSynchronously[int64](ctx, clientObj, "this.is.unlikely.to.exist.Iface", "Method", nil)
	require.NoError(t, result.Err)
	require.Equal(t, int64(42), result.Value)

	select {
	case v := <-received:
		require.Equal(t, int64(42), v)
	case <-time.After(5 * time.Second):
		t.Fatal("did not receive Dummy signal")
	}
}

// S6: a watcher registered before a name is taken observes the owner
// transition once the owning peer registers it, and does not observe an
// unregistration while that peer stays alive.
func TestIntegrationServiceWatcher(t *testing.T) {
	const name = "this.is.unlikely.to.exist.Watched"

	watcherConn := dialTestBus(t)
	ownerConn := dialTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	busObj := dbus.NewObject(watcherConn, "org.freedesktop.DBus", "/org/freedesktop/DBus")
	sig, err := busObj.GetSignal("org.freedesktop.DBus", "NameOwnerChanged")
	require.NoError(t, err)

	type ownerChange struct{ busName, oldOwner, newOwner string }
	changes := make(chan ownerChange, 4)
	unsub, err := sig.ConnectWithMatchArgs(ctx, map[int]string{0: name}, func(msg *dbus.Message) {
		var c ownerChange
		r := msg.Body()
		_ = dbus.Decode(r, &c.busName)
		_ = dbus.Decode(r, &c.oldOwner)
		_ = dbus.Decode(r, &c.newOwner)
		changes <- c
	})
	require.NoError(t, err)
	defer unsub()

	_, err = dbus.AddService(ctx, ownerConn, name, 0)
	require.NoError(t, err)

	select {
	case c := <-changes:
		require.Equal(t, name, c.busName)
		require.Empty(t, c.oldOwner)
		require.NotEmpty(t, c.newOwner)
	case <-time.After(5 * time.Second):
		t.Fatal("did not observe NameOwnerChanged for acquisition")
	}

	select {
	case c := <-changes:
		t.Fatalf("unexpected further owner change while owner is alive: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}
