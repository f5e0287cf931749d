package mqtt

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sparkplug/log2"
)

func TestClientRaw(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second

	type tenv struct {
		addr  string
		alive *alive.Alive
		opts  ClientOptions
	}
	cases := []struct {
		name   string
		setup  func(env *tenv)
		client func(t testing.TB, env *tenv)
		server func(t testing.TB, env *tenv, b *transport.NetConn)
	}{
		{"connect", nil, func(t testing.TB, env *tenv) {
			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			defer mc.Close()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.WaitReady(ctx))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			pkt, err := b.Receive()
			require.NoError(t, err)
			assert.Equal(t, `<Connect ClientID="edge1" KeepAlive=0 Username="" Password="" CleanSession=true Will=nil Version=4>`, pkt.String())
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			require.NoError(t, b.Send(connack, false))
		}},
		{"subscribe-then-hook", func(env *tenv) {
			env.opts.Subscriptions = []packet.Subscription{{Topic: "spBv1.0/g/NCMD/edge1", QOS: packet.QOSAtLeastOnce}}
		}, func(t testing.TB, env *tenv) {
			subscribed := make(chan []string, 1)
			env.opts.OnSubscribe = func(fs []string) { subscribed <- fs }
			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			defer mc.Close()
			select {
			case fs := <-subscribed:
				assert.Equal(t, []string{"spBv1.0/g/NCMD/edge1"}, fs)
			case <-time.After(timeout):
				t.Fatal("OnSubscribe timeout")
			}
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			_, err := b.Receive()
			require.NoError(t, err)
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			require.NoError(t, b.Send(connack, false))
			pkt, err := b.Receive()
			require.NoError(t, err)
			sub, ok := pkt.(*packet.Subscribe)
			require.True(t, ok, pkt.String())
			suback := packet.NewSuback()
			suback.ID = sub.ID
			suback.ReturnCodes = []packet.QOS{packet.QOSAtLeastOnce}
			require.NoError(t, b.Send(suback, false))
		}},
		{"connection-denied", nil, func(t testing.TB, env *tenv) {
			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			defer mc.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			assert.Equal(t, context.Canceled, mc.WaitReady(ctx))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			_, err := b.Receive()
			require.NoError(t, err)
			connack := packet.NewConnack()
			connack.ReturnCode = packet.NotAuthorized
			require.NoError(t, b.Send(connack, false))
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{alive: alive.NewAlive()}
			ln, err := net.Listen("tcp", "127.0.0.1:")
			require.NoError(t, err)
			defer ln.Close()
			env.addr = ln.Addr().String()
			env.opts.BrokerURL = fmt.Sprintf("tcp://%s", env.addr)
			env.opts.ClientID = "edge1"
			env.opts.OnMessage = func(m *packet.Message) error {
				t.Log(m.String())
				return nil
			}
			env.opts.Log = log2.NewTest(t, log2.LDebug)
			env.opts.NetworkTimeout = timeout
			env.opts.ReconnectDelay = time.Hour
			if c.setup != nil {
				c.setup(env)
			}
			env.alive.Add(1)
			go func() {
				defer env.alive.Done()
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				if !env.alive.Add(1) {
					_ = conn.Close()
					return
				}
				require.NoError(t, conn.SetDeadline(time.Now().Add(timeout)))
				c.server(t, env, transport.NewNetConn(conn))
			}()
			c.client(t, env)
			env.alive.Stop()
			env.alive.Wait()
		})
	}
}

func TestClientOptionsInvalid(t *testing.T) {
	t.Parallel()
	_, err := NewClient(ClientOptions{BrokerURL: "tcp://localhost:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OnMessage")

	_, err = NewClient(ClientOptions{BrokerURL: "::bad", OnMessage: func(*packet.Message) error { return nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BrokerURL")
}
