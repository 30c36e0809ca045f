package dbus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTypedPropertyGetAndSet(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		switch call.Member {
		case "Get":
			reply := NewMethodReturnMessage(call)
			require.NoError(t, reply.EncodeBody(func(w *Writer) error {
				return encodeVariant(w, Variant{Value: "hello"})
			}))
			return reply
		case "Set":
			return NewMethodReturnMessage(call)
		}
		return nil
	})

	obj := NewObject(c, "org.example", "/org/example")
	prop := NewProperty[string](obj, "org.example.Iface", "Name", true)

	v, err := prop.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	require.NoError(t, prop.Set(context.Background(), "world"))
}

func TestReadOnlyPropertySetFailsFastLocally(t *testing.T) {
	c, peer := newTestConnection(t)
	defer peer.Close()

	obj := NewObject(c, "org.example", "/org/example")
	prop := NewProperty[string](obj, "org.example.Iface", "Name", false)

	err := prop.Set(context.Background(), "anything")
	require.ErrorIs(t, err, ErrNotWritable)
}

func TestTypedPropertyGetConsultsCacheAfterWatchedChange(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	var getCalls int
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		if call.Member == "Get" {
			getCalls++
		}
		return nil
	})

	obj := NewObject(c, "org.example", "/org/example")
	prop := NewProperty[uint32](obj, "org.example.Iface", "Count", true)

	changed := make(chan struct{}, 1)
	disconnect, err := prop.WatchChanges(context.Background(), func(uint32) { changed <- struct{}{} }, func() {})
	require.NoError(t, err)
	defer disconnect()

	buf := &bytes.Buffer{}
	msg := NewSignalMessage("/org/example", propertiesInterface, "PropertiesChanged")
	require.NoError(t, msg.EncodeBody(func(w *Writer) error {
		if err := w.PushString("org.example.Iface"); err != nil {
			return err
		}
		sub, err := w.OpenArray("{sv}")
		if err != nil {
			return err
		}
		entry, err := sub.OpenDictEntry()
		if err != nil {
			return err
		}
		if err := entry.PushString("Count"); err != nil {
			return err
		}
		if err := encodeVariant(entry, Variant{Value: uint32(42)}); err != nil {
			return err
		}
		if err := sub.CloseDictEntry(entry); err != nil {
			return err
		}
		if err := w.CloseArray(sub); err != nil {
			return err
		}
		invSub, err := w.OpenArray("s")
		if err != nil {
			return err
		}
		return w.CloseArray(invSub)
	}))
	require.NoError(t, msg.WriteTo(buf))
	_, err = peer.Write(buf.Bytes())
	require.NoError(t, err)

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("onChange never fired")
	}

	v, err := prop.Get(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 42, v)
	require.Zero(t, getCalls, "Get should have been served from the cache, not a wire round trip")
}

func TestPropertyWatchChangesInvokesOnChange(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, nil)

	obj := NewObject(c, "org.example", "/org/example")
	prop := NewProperty[uint32](obj, "org.example.Iface", "Count", true)

	got := make(chan uint32, 1)
	disconnect, err := prop.WatchChanges(context.Background(),
		func(v uint32) { got <- v },
		func() {})
	require.NoError(t, err)
	defer disconnect()

	// Hand-build the PropertiesChanged signal the daemon would relay back
	// to this connection, the way EmitPropertiesChanged would shape it.
	buf := &bytes.Buffer{}
	msg := NewSignalMessage("/org/example", propertiesInterface, "PropertiesChanged")
	require.NoError(t, msg.EncodeBody(func(w *Writer) error {
		if err := w.PushString("org.example.Iface"); err != nil {
			return err
		}
		sub, err := w.OpenArray("{sv}")
		if err != nil {
			return err
		}
		entry, err := sub.OpenDictEntry()
		if err != nil {
			return err
		}
		if err := entry.PushString("Count"); err != nil {
			return err
		}
		if err := encodeVariant(entry, Variant{Value: uint32(11)}); err != nil {
			return err
		}
		if err := sub.CloseDictEntry(entry); err != nil {
			return err
		}
		if err := w.CloseArray(sub); err != nil {
			return err
		}
		invSub, err := w.OpenArray("s")
		if err != nil {
			return err
		}
		return w.CloseArray(invSub)
	}))
	require.NoError(t, msg.WriteTo(buf))
	_, err = peer.Write(buf.Bytes())
	require.NoError(t, err)

	select {
	case v := <-got:
		require.EqualValues(t, 11, v)
	case <-time.After(time.Second):
		t.Fatal("onChange never fired")
	}
}
