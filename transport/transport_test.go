package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/transport"
	"github.com/temoto/sparkplug/transport/mqtt"
)

const testTimeout = 5 * time.Second

// recorder is Handler collecting events in order.
type recorder struct {
	sync.Mutex
	events   []string
	messages []*transport.Message
	onSub    func(t transporter)
}

type transporter = transport.Transporter

func (r *recorder) add(s string) {
	r.Lock()
	r.events = append(r.events, s)
	r.Unlock()
}

func (r *recorder) OnConnect(transporter) { r.add("connect") }
func (r *recorder) OnSubscribe(t transporter, fs []string) {
	r.add("subscribe")
	if r.onSub != nil {
		r.onSub(t)
	}
}
func (r *recorder) OnMessage(_ transporter, m *transport.Message) {
	r.Lock()
	r.messages = append(r.messages, m)
	r.Unlock()
	r.add("message " + m.Topic)
}
func (r *recorder) OnConnectionLost(transporter, error) { r.add("lost") }

func (r *recorder) Events() []string {
	r.Lock()
	defer r.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Messages() []*transport.Message {
	r.Lock()
	defer r.Unlock()
	return append([]*transport.Message(nil), r.messages...)
}

func (r *recorder) waitEvents(t testing.TB, n int) []string {
	require.Eventually(t, func() bool { return len(r.Events()) >= n }, testTimeout, 5*time.Millisecond)
	return r.Events()
}

func TestHandlerFuncs(t *testing.T) {
	t.Parallel()
	var h transport.Handler = transport.HandlerFuncs{}
	// nil funcs are skipped
	h.OnConnect(nil)
	h.OnSubscribe(nil, nil)
	h.OnMessage(nil, &transport.Message{})
	h.OnConnectionLost(nil, nil)

	called := ""
	h = transport.HandlerFuncs{Message: func(_ transport.Transporter, m *transport.Message) { called = m.Topic }}
	h.OnMessage(nil, &transport.Message{Topic: "x"})
	assert.Equal(t, "x", called)
}

func TestNewInvalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		kind   string
		opt    transport.Options
		h      transport.Handler
		expect string
	}{
		{"nil-handler", "", transport.Options{ClientID: "c"}, nil, "handler"},
		{"empty-client-id", "", transport.Options{}, &recorder{}, "client id"},
		{"unknown-kind", "websocket", transport.Options{ClientID: "c"}, &recorder{}, "not supported"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			_, err := transport.New(c.kind, c.opt, c.h)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expect)
		})
	}
}

func TestMockBroker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("order-and-hooks", func(t *testing.T) {
		t.Parallel()
		b := transport.NewMockBroker()
		r := &recorder{}
		sub, err := b.New(transport.Options{ClientID: "sub", Subscriptions: []transport.Subscription{{Filter: "spBv1.0/#", QOS: 1}}}, r)
		require.NoError(t, err)
		require.NoError(t, sub.Connect(ctx))
		defer sub.Close()
		pub, err := b.New(transport.Options{ClientID: "pub"}, &recorder{})
		require.NoError(t, err)
		require.NoError(t, pub.Connect(ctx))
		defer pub.Close()

		for _, topic := range []string{"spBv1.0/g/NDATA/n1", "spBv1.0/g/NDATA/n2", "other/topic", "spBv1.0/g/NDATA/n3"} {
			require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: topic, Payload: []byte(topic), QOS: 1}))
		}
		assert.Equal(t, []string{
			"connect",
			"subscribe",
			"message spBv1.0/g/NDATA/n1",
			"message spBv1.0/g/NDATA/n2",
			"message spBv1.0/g/NDATA/n3",
		}, r.waitEvents(t, 5))
		assert.Len(t, b.Published("spBv1.0/#"), 3)
		assert.Len(t, b.Published("#"), 4)
	})

	t.Run("retain", func(t *testing.T) {
		t.Parallel()
		b := transport.NewMockBroker()
		pub, _ := b.New(transport.Options{ClientID: "pub"}, &recorder{})
		require.NoError(t, pub.Connect(ctx))
		require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "STATE/h", Payload: []byte("ONLINE"), QOS: 1, Retain: true}))
		require.NotNil(t, b.Retained("STATE/h"))

		r := &recorder{}
		sub, _ := b.New(transport.Options{ClientID: "sub"}, r)
		require.NoError(t, sub.Connect(ctx))
		require.NoError(t, sub.Subscribe(ctx, transport.Subscription{Filter: "STATE/#", QOS: 1}))
		r.waitEvents(t, 3)
		ms := r.Messages()
		require.Len(t, ms, 1)
		assert.True(t, ms[0].Retain)
		assert.Equal(t, "ONLINE", string(ms[0].Payload))

		require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "STATE/h", QOS: 1, Retain: true}))
		assert.Nil(t, b.Retained("STATE/h"))
	})

	t.Run("will-drop-reconnect", func(t *testing.T) {
		t.Parallel()
		b := transport.NewMockBroker()
		watch := &recorder{}
		w, _ := b.New(transport.Options{ClientID: "watch", Subscriptions: []transport.Subscription{{Filter: "#"}}}, watch)
		require.NoError(t, w.Connect(ctx))

		r := &recorder{}
		c, _ := b.New(transport.Options{ClientID: "edge", Subscriptions: []transport.Subscription{{Filter: "spBv1.0/g/NCMD/edge", QOS: 1}}}, r)
		require.NoError(t, c.SetWill(&transport.Message{Topic: "spBv1.0/g/NDEATH/edge", Payload: []byte{1}, QOS: 1}))
		require.NoError(t, c.Connect(ctx))
		assert.Error(t, c.SetWill(&transport.Message{Topic: "x"}))
		assert.Error(t, c.Connect(ctx))

		require.True(t, b.Drop("edge"))
		assert.False(t, b.Drop("nobody"))
		events := r.waitEvents(t, 5)
		assert.Equal(t, []string{"connect", "subscribe", "lost", "connect", "subscribe"}, events)
		assert.True(t, b.Connected("edge"))
		require.Len(t, b.Published("spBv1.0/g/NDEATH/edge"), 1)

		// clean close does not publish will
		require.NoError(t, c.Close())
		assert.False(t, b.Connected("edge"))
		assert.Len(t, b.Published("spBv1.0/g/NDEATH/edge"), 1)
		assert.Equal(t, transport.ErrNotConnected, c.Publish(ctx, &transport.Message{Topic: "x"}))

		kinds := []transport.JournalKind{}
		for _, e := range b.Journal() {
			if e.Client == "edge" {
				kinds = append(kinds, e.Kind)
			}
		}
		assert.Equal(t, []transport.JournalKind{
			transport.JournalWill, transport.JournalConnect, transport.JournalSuback,
			transport.JournalDrop, transport.JournalPublish,
			transport.JournalWill, transport.JournalConnect, transport.JournalSuback,
			transport.JournalClose,
		}, kinds)
	})

	t.Run("publish-from-handler", func(t *testing.T) {
		t.Parallel()
		b := transport.NewMockBroker()
		r := &recorder{}
		r.onSub = func(tr transporter) {
			// handler may publish and wait, it runs on separate goroutine
			assert.NoError(t, tr.Publish(ctx, &transport.Message{Topic: "echo", QOS: 1}))
		}
		c, _ := b.New(transport.Options{ClientID: "c", Subscriptions: []transport.Subscription{{Filter: "echo"}}}, r)
		require.NoError(t, c.Connect(ctx))
		defer c.Close()
		assert.Equal(t, []string{"connect", "subscribe", "message echo"}, r.waitEvents(t, 3))
	})
}

// Adapters against embedded broker.
func TestAdapters(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{transport.KindGomqtt, transport.KindPaho} {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			tlog := log
			if kind == transport.KindPaho {
				// paho logger is process global and outlives test
				tlog = log2.NewStderr(log2.LError)
			}
			s := mqtt.NewServer(mqtt.ServerOptions{Log: log, OnConnect: mqtt.AllowAll})
			require.NoError(t, s.Listen(context.Background(), []*mqtt.ListenOptions{{URL: "tcp://127.0.0.1:", NetworkTimeout: testTimeout}}))
			defer s.Close()
			url := "tcp://" + s.Addrs()[0]
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()

			watch := &recorder{}
			wt, err := transport.New(kind, transport.Options{
				BrokerURL:      url,
				ClientID:       kind + "-watch",
				CleanSession:   true,
				NetworkTimeout: testTimeout,
				ReconnectDelay: 50 * time.Millisecond,
				Subscriptions:  []transport.Subscription{{Filter: "spBv1.0/#", QOS: 1}},
				Log:            tlog,
			}, watch)
			require.NoError(t, err)
			require.NoError(t, wt.Connect(ctx))
			defer wt.Close()
			watch.waitEvents(t, 2)

			edge := &recorder{}
			et, err := transport.New(kind, transport.Options{
				BrokerURL:      url,
				ClientID:       kind + "-edge",
				CleanSession:   true,
				NetworkTimeout: testTimeout,
				Log:            tlog,
			}, edge)
			require.NoError(t, err)
			require.NoError(t, et.SetWill(&transport.Message{Topic: "spBv1.0/g/NDEATH/" + kind, Payload: []byte("death"), QOS: 1}))
			require.NoError(t, et.Connect(ctx))
			require.NoError(t, et.Publish(ctx, &transport.Message{Topic: "spBv1.0/g/NBIRTH/" + kind, Payload: []byte("birth"), QOS: 0}))
			require.NoError(t, et.Publish(ctx, &transport.Message{Topic: "spBv1.0/g/NDATA/" + kind, Payload: []byte("data"), QOS: 1}))

			require.True(t, s.Drop(kind+"-edge"))
			events := watch.waitEvents(t, 5)
			assert.Equal(t, []string{
				"connect",
				"subscribe",
				"message spBv1.0/g/NBIRTH/" + kind,
				"message spBv1.0/g/NDATA/" + kind,
				"message spBv1.0/g/NDEATH/" + kind,
			}, events[:5])
			require.NoError(t, et.Close())
		})
	}
}
