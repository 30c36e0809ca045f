package dbus

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runFakeBusDaemon reads method_calls off peer and replies using handler;
// a nil handler result sends an empty method_return. It stops when peer
// is closed.
func runFakeBusDaemon(t *testing.T, peer net.Conn, handler func(call *Message) *Message) {
	t.Helper()
	go func() {
		for {
			call := readMessageFromPeerOrNil(peer)
			if call == nil {
				return
			}
			var reply *Message
			if handler != nil {
				reply = handler(call)
			}
			if reply == nil {
				reply = NewMethodReturnMessage(call)
			}
			buf := &bytes.Buffer{}
			if err := reply.WriteTo(buf); err != nil {
				return
			}
			if _, err := peer.Write(buf.Bytes()); err != nil {
				return
			}
		}
	}()
}

func readMessageFromPeerOrNil(peer net.Conn) *Message {
	header := make([]byte, 16)
	if _, err := readFull(peer, header); err != nil {
		return nil
	}
	arrLen, err := headerFieldsArrayLen(header)
	if err != nil {
		return nil
	}
	fieldsEnd := 16 + int(arrLen)
	bodyStart := fieldsEnd
	for bodyStart%8 != 0 {
		bodyStart++
	}
	prefix, err := readHeaderPrefix(header)
	if err != nil {
		return nil
	}
	rest := make([]byte, bodyStart-16+int(prefix.bodyLen))
	if _, err := readFull(peer, rest); err != nil {
		return nil
	}
	msg, err := ParseMessage(append(header, rest...))
	if err != nil {
		return nil
	}
	return msg
}

func TestInvokeMethodSynchronouslyDecodesTypedResult(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		require.Equal(t, "Echo", call.Member)
		reply := NewMethodReturnMessage(call)
		require.NoError(t, reply.EncodeBody(func(w *Writer) error { return w.PushString("pong") }))
		return reply
	})

	obj := NewObject(c, "org.example", "/org/example")
	result := InvokeMethodSynchronously[string](context.Background(), obj, "org.example.Iface", "Echo", func(w *Writer) error {
		return w.PushString("ping")
	})
	require.NoError(t, result.Err)
	require.Equal(t, "pong", result.Value)
}

func TestInvokeMethodSynchronouslyPropagatesRemoteError(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		return NewErrorMessage(call, "org.example.Error.Bad", "nope")
	})

	obj := NewObject(c, "org.example", "/org/example")
	result := InvokeMethodSynchronously[string](context.Background(), obj, "org.example.Iface", "Echo", nil)
	require.Error(t, result.Err)
	require.True(t, IsCallError(result.Err, "org.example.Error.Bad"))
}

func TestInvokeMethodAsynchronouslyWithCallback(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		reply := NewMethodReturnMessage(call)
		require.NoError(t, reply.EncodeBody(func(w *Writer) error { return w.PushUint32(7) }))
		return reply
	})

	obj := NewObject(c, "org.example", "/org/example")
	done := make(chan Result[uint32], 1)
	err := InvokeMethodAsynchronouslyWithCallback[uint32](obj, "org.example.Iface", "Count", nil, func(r Result[uint32]) {
		done <- r
	})
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.Err)
		require.EqualValues(t, 7, r.Value)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestGetAndSetProperty(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		switch call.Member {
		case "Get":
			reply := NewMethodReturnMessage(call)
			require.NoError(t, reply.EncodeBody(func(w *Writer) error {
				return encodeVariant(w, Variant{Value: uint32(5)})
			}))
			return reply
		case "Set":
			return NewMethodReturnMessage(call)
		}
		return nil
	})

	obj := NewObject(c, "org.example", "/org/example")
	v, err := GetProperty[uint32](context.Background(), obj, "org.example.Iface", "Count")
	require.NoError(t, err)
	require.EqualValues(t, 5, v)

	require.NoError(t, SetProperty(context.Background(), obj, "org.example.Iface", "Count", uint32(9)))
}

func TestGetPropertyServesFromCacheAfterPropertiesChanged(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	var getCalls int
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		if call.Member == "Get" {
			getCalls++
			reply := NewMethodReturnMessage(call)
			require.NoError(t, reply.EncodeBody(func(w *Writer) error {
				return encodeVariant(w, Variant{Value: uint32(1)})
			}))
			return reply
		}
		return nil
	})

	obj := NewObject(c, "org.example", "/org/example")

	v, err := GetProperty[uint32](context.Background(), obj, "org.example.Iface", "Count")
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
	require.Equal(t, 1, getCalls)

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
		if err := encodeVariant(entry, Variant{Value: uint32(7)}); err != nil {
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

	require.Eventually(t, func() bool {
		v, ok := obj.cachedProperty("org.example.Iface", "Count")
		return ok && v.Value == uint32(7)
	}, time.Second, time.Millisecond)

	v, err = GetProperty[uint32](context.Background(), obj, "org.example.Iface", "Count")
	require.NoError(t, err)
	require.EqualValues(t, 7, v)
	require.Equal(t, 1, getCalls, "second GetProperty should be served from cache, not a new wire round trip")
}

func TestGetAllPropertiesDecodesDynamicValues(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		reply := NewMethodReturnMessage(call)
		require.NoError(t, reply.EncodeBody(func(w *Writer) error {
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
			if err := encodeVariant(entry, Variant{Value: uint32(3)}); err != nil {
				return err
			}
			if err := sub.CloseDictEntry(entry); err != nil {
				return err
			}
			return w.CloseArray(sub)
		}))
		return reply
	})

	obj := NewObject(c, "org.example", "/org/example")
	values, err := GetAllProperties(context.Background(), obj, "org.example.Iface")
	require.NoError(t, err)
	require.Contains(t, values, "Count")
	var n uint32
	require.NoError(t, values["Count"].Decode(&n))
	require.EqualValues(t, 3, n)
}

func TestGetManagedObjectsDecodesNestedDynamicValues(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, func(call *Message) *Message {
		require.Equal(t, "GetManagedObjects", call.Member)
		reply := NewMethodReturnMessage(call)
		require.NoError(t, reply.EncodeBody(func(w *Writer) error {
			objs, err := w.OpenArray("{oa{sa{sv}}}")
			if err != nil {
				return err
			}
			objEntry, err := objs.OpenDictEntry()
			if err != nil {
				return err
			}
			if err := objEntry.PushObjectPath("/org/example/child"); err != nil {
				return err
			}
			ifaces, err := objEntry.OpenArray("{sa{sv}}")
			if err != nil {
				return err
			}
			ifaceEntry, err := ifaces.OpenDictEntry()
			if err != nil {
				return err
			}
			if err := ifaceEntry.PushString("org.example.Iface"); err != nil {
				return err
			}
			props, err := ifaceEntry.OpenArray("{sv}")
			if err != nil {
				return err
			}
			propEntry, err := props.OpenDictEntry()
			if err != nil {
				return err
			}
			if err := propEntry.PushString("Count"); err != nil {
				return err
			}
			if err := encodeVariant(propEntry, Variant{Value: uint32(7)}); err != nil {
				return err
			}
			if err := props.CloseDictEntry(propEntry); err != nil {
				return err
			}
			if err := ifaceEntry.CloseArray(props); err != nil {
				return err
			}
			if err := ifaces.CloseDictEntry(ifaceEntry); err != nil {
				return err
			}
			if err := objEntry.CloseArray(ifaces); err != nil {
				return err
			}
			if err := objs.CloseDictEntry(objEntry); err != nil {
				return err
			}
			return w.CloseArray(objs)
		}))
		return reply
	})

	obj := NewObject(c, "org.example", "/org/example")
	managed, err := GetManagedObjects(context.Background(), obj)
	require.NoError(t, err)
	require.Contains(t, managed, ObjectPath("/org/example/child"))
	props := managed[ObjectPath("/org/example/child")]["org.example.Iface"]
	var n uint32
	require.NoError(t, props["Count"].Decode(&n))
	require.EqualValues(t, 7, n)
}

func TestDispatchMethodCallOnUnknownObjectRepliesWithError(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()

	call := NewMethodCallMessage(c.UniqueName(), "/does/not/exist", "org.example.Iface", "Thing")
	call.Serial = 1
	call.Sender = ":1.99"
	buf := &bytes.Buffer{}
	require.NoError(t, call.WriteTo(buf))
	_, err := peer.Write(buf.Bytes())
	require.NoError(t, err)

	reply := readMessageFromPeer(t, peer)
	require.Equal(t, TypeError, reply.Type)
	require.Equal(t, ErrNameUnknownObject, reply.ErrorName)
}

func TestLocalMethodHandlerReceivesCallAndReplies(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()

	obj, err := AddObjectForPath(c, "/org/example")
	require.NoError(t, err)
	obj.InstallMethodHandler("org.example.Iface", "Double", func(call *Message) *Message {
		var n uint32
		require.NoError(t, Decode(call.Body(), &n))
		reply := NewMethodReturnMessage(call)
		require.NoError(t, reply.EncodeBody(func(w *Writer) error { return w.PushUint32(n * 2) }))
		return reply
	})

	call := NewMethodCallMessage(c.UniqueName(), "/org/example", "org.example.Iface", "Double")
	call.Serial = 1
	call.Sender = ":1.99"
	require.NoError(t, call.EncodeBody(func(w *Writer) error { return w.PushUint32(21) }))
	buf := &bytes.Buffer{}
	require.NoError(t, call.WriteTo(buf))
	_, err = peer.Write(buf.Bytes())
	require.NoError(t, err)

	reply := readMessageFromPeer(t, peer)
	require.Equal(t, TypeMethodReturn, reply.Type)
	var n uint32
	require.NoError(t, Decode(reply.Body(), &n))
	require.EqualValues(t, 42, n)
}

func TestPropertyGetHandlerViaPropertiesInterface(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()

	obj, err := AddObjectForPath(c, "/org/example")
	require.NoError(t, err)
	value := uint32(1)
	obj.InstallPropertyHandlers("org.example.Iface", "Count",
		func() (DynamicValue, error) {
			w := NewWriter()
			require.NoError(t, w.PushUint32(value))
			b, err := w.Bytes()
			require.NoError(t, err)
			return DynamicValue{Sig: w.Signature(), Body: b}, nil
		},
		func(dv DynamicValue) error {
			return dv.Decode(&value)
		})

	getCall := NewMethodCallMessage(c.UniqueName(), "/org/example", propertiesInterface, "Get")
	getCall.Serial = 1
	getCall.Sender = ":1.99"
	require.NoError(t, getCall.EncodeBody(func(w *Writer) error {
		if err := w.PushString("org.example.Iface"); err != nil {
			return err
		}
		return w.PushString("Count")
	}))
	buf := &bytes.Buffer{}
	require.NoError(t, getCall.WriteTo(buf))
	_, err = peer.Write(buf.Bytes())
	require.NoError(t, err)

	reply := readMessageFromPeer(t, peer)
	require.Equal(t, TypeMethodReturn, reply.Type)
	var variant Variant
	require.NoError(t, Decode(reply.Body(), &variant))
	require.EqualValues(t, uint32(1), variant.Value)
}

func TestObjectGetSignalCachesByInterfaceAndMember(t *testing.T) {
	c, peer := newTestConnection(t)
	defer peer.Close()

	obj := NewObject(c, "org.example", "/org/example")
	s1, err := obj.GetSignal("org.example.Iface", "Changed")
	require.NoError(t, err)
	s2, err := obj.GetSignal("org.example.Iface", "Changed")
	require.NoError(t, err)
	require.Same(t, s1, s2)

	s3, err := obj.GetSignal("org.example.Iface", "Other")
	require.NoError(t, err)
	require.NotSame(t, s1, s3)
}

func TestSignalProxyConnectAndDeliver(t *testing.T) {
	c, peer := newTestConnection(t)
	go c.Run()
	runFakeBusDaemon(t, peer, nil)

	obj := NewObject(c, "org.example", "/org/example")
	sig, err := obj.GetSignal("org.example.Iface", "Changed")
	require.NoError(t, err)

	received := make(chan string, 1)
	disconnect, err := sig.Connect(context.Background(), func(msg *Message) {
		var s string
		require.NoError(t, Decode(msg.Body(), &s))
		received <- s
	})
	require.NoError(t, err)
	defer disconnect()

	push := NewSignalMessage("/org/example", "org.example.Iface", "Changed")
	require.NoError(t, push.EncodeBody(func(w *Writer) error { return w.PushString("hello") }))
	push.Sender = ":1.1"
	buf := &bytes.Buffer{}
	require.NoError(t, push.WriteTo(buf))
	_, err = peer.Write(buf.Bytes())
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("signal handler never fired")
	}
}
