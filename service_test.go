package dbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUseServiceOrThrowFailsWhenNameHasNoOwner(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		require.Equal(t, "GetNameOwner", call.Member)
		return NewErrorMessage(call, "org.freedesktop.DBus.Error.NameHasNoOwner", "not owned")
	})

	_, err := UseServiceOrThrow(context.Background(), c, "org.example.Service")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrServiceNotAvailable)
}

func TestUseServiceOrThrowSucceedsWhenOwned(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		reply := NewMethodReturnMessage(call)
		require.NoError(t, reply.EncodeBody(func(w *Writer) error { return w.PushString(":1.5") }))
		return reply
	})

	svc, err := UseServiceOrThrow(context.Background(), c, "org.example.Service")
	require.NoError(t, err)
	require.Equal(t, "org.example.Service", svc.Name())
}

func TestAddServiceReturnsErrorWhenNameAlreadyOwnedElsewhere(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		reply := NewMethodReturnMessage(call)
		require.NoError(t, reply.EncodeBody(func(w *Writer) error { return w.PushUint32(uint32(NameReplyExists)) }))
		return reply
	})

	_, err := AddService(context.Background(), c, "org.example.Service", 0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAlreadyOwned)
}

func TestAddServiceSucceedsAsPrimaryOwner(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		reply := NewMethodReturnMessage(call)
		require.NoError(t, reply.EncodeBody(func(w *Writer) error { return w.PushUint32(uint32(NameReplyPrimaryOwner)) }))
		return reply
	})

	svc, err := AddService(context.Background(), c, "org.example.Service", 0)
	require.NoError(t, err)
	require.Equal(t, "org.example.Service", svc.Name())
	require.NotNil(t, svc.RootObject())
}

func TestServiceAddObjectRegistersUnderConnection(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		reply := NewMethodReturnMessage(call)
		require.NoError(t, reply.EncodeBody(func(w *Writer) error { return w.PushUint32(uint32(NameReplyPrimaryOwner)) }))
		return reply
	})

	svc, err := AddService(context.Background(), c, "org.example.Service", 0)
	require.NoError(t, err)

	obj, err := svc.AddObject("/org/example/child")
	require.NoError(t, err)
	require.Equal(t, ObjectPath("/org/example/child"), obj.Path())

	registered, ok := c.ObjectAtPath("/org/example/child")
	require.True(t, ok)
	require.Same(t, obj, registered)
}

func TestRequestBusNameReportsAcquisitionOnChannel(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		switch call.Member {
		case "AddMatch", "RemoveMatch":
			return NewMethodReturnMessage(call)
		case "RequestName":
			reply := NewMethodReturnMessage(call)
			require.NoError(t, reply.EncodeBody(func(w *Writer) error {
				return w.PushUint32(uint32(NameReplyPrimaryOwner))
			}))
			return reply
		case "ReleaseName":
			reply := NewMethodReturnMessage(call)
			require.NoError(t, reply.EncodeBody(func(w *Writer) error { return w.PushUint32(1) }))
			return reply
		}
		return nil
	})

	owner, err := RequestBusName(context.Background(), c, "org.example.Service", 0)
	require.NoError(t, err)

	select {
	case err := <-owner.C:
		require.NoError(t, err)
	default:
		t.Fatal("expected an immediate acquisition result on owner.C")
	}

	require.NoError(t, owner.Release(context.Background()))
}
