package host_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sparkplug/internal/edge"
	"github.com/temoto/sparkplug/internal/host"
	"github.com/temoto/sparkplug/internal/stat"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/sparkplug"
	"github.com/temoto/sparkplug/transport"
)

const waitTimeout = 5 * time.Second

func indexOf(j []transport.JournalEntry, client string, kind transport.JournalKind, topic, payload string) int {
	for i, e := range j {
		if e.Client == client && e.Kind == kind && e.Topic == topic && (payload == "" || string(e.Payload) == payload) {
			return i
		}
	}
	return -1
}

func TestNewSessionInvalid(t *testing.T) {
	t.Parallel()
	b := transport.NewMockBroker()
	cases := []struct {
		name string
		opt  host.SessionOptions
	}{
		{"empty-id", host.SessionOptions{Factory: b.New}},
		{"slash-id", host.SessionOptions{HostID: "a/b", Factory: b.New}},
		{"no-factory", host.SessionOptions{HostID: "H"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			_, err := host.NewSession(c.opt)
			assert.True(t, errors.IsNotValid(errors.Cause(err)), "%v", err)
		})
	}
}

func TestSessionHandshake(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		control bool
	}{
		{"plain", false},
		{"control", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			b := transport.NewMockBroker()
			s, err := host.NewSession(host.SessionOptions{HostID: "H", Control: c.control, Factory: b.New, Log: log2.NewTest(t, log2.LDebug)})
			require.NoError(t, err)
			require.NoError(t, s.Establish(ctx))
			assert.True(t, s.Online())
			assert.Error(t, s.Establish(ctx))

			j := b.Journal()
			will := indexOf(j, "H", transport.JournalWill, "STATE/H", "OFFLINE")
			connect := indexOf(j, "H", transport.JournalConnect, "", "")
			suback := indexOf(j, "H", transport.JournalSuback, "", "")
			online := indexOf(j, "H", transport.JournalPublish, "STATE/H", "ONLINE")
			require.NotEqual(t, -1, will)
			require.NotEqual(t, -1, online)
			assert.True(t, will < connect && connect < suback && suback < online, "journal %v", j)
			assert.Equal(t, []string{sparkplug.NamespaceWildcard, "STATE/#"}, j[suback].Filters)
			assert.True(t, j[will].Retain)
			assert.Equal(t, byte(1), j[will].QOS)
			assert.True(t, j[online].Retain)
			assert.Equal(t, []byte("ONLINE"), b.Retained("STATE/H").Payload)

			announce := indexOf(j, "H_control", transport.JournalPublish, sparkplug.TCKControlTopic, "NEW host SessionEstablishment H")
			end := indexOf(j, "H_control", transport.JournalPublish, sparkplug.TCKControlTopic, "END TEST")
			if c.control {
				ctlSuback := indexOf(j, "H_control", transport.JournalSuback, "", "")
				require.NotEqual(t, -1, announce)
				assert.Equal(t, []string{sparkplug.TCKWildcard}, j[ctlSuback].Filters)
				assert.True(t, ctlSuback < announce && announce < will, "journal %v", j)
				assert.True(t, online < end, "journal %v", j)
				assert.Equal(t, transport.JournalClose, j[len(j)-1].Kind)
				assert.False(t, b.Connected("H_control"))
			} else {
				assert.Equal(t, -1, announce)
				assert.Equal(t, -1, end)
			}

			require.NoError(t, s.Close(ctx))
			assert.False(t, s.Online())
			assert.Equal(t, []byte("OFFLINE"), b.Retained("STATE/H").Payload)
			j = b.Journal()
			assert.Equal(t, transport.JournalClose, j[len(j)-1].Kind)
			assert.Equal(t, "H", j[len(j)-1].Client)
			assert.NoError(t, s.Close(ctx))
		})
	}
}

func TestSessionReconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := transport.NewMockBroker()
	s, err := host.NewSession(host.SessionOptions{HostID: "H", Factory: b.New, Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, err)
	require.NoError(t, s.Establish(ctx))
	defer s.Close(ctx)

	require.True(t, b.Drop("H"))
	// will delivered, then ONLINE again after resubscribe
	require.Eventually(t, func() bool { return len(b.Published("STATE/H")) == 3 }, waitTimeout, time.Millisecond)
	states := b.Published("STATE/H")
	assert.Equal(t, "ONLINE", string(states[0].Payload))
	assert.Equal(t, "OFFLINE", string(states[1].Payload))
	assert.Equal(t, "ONLINE", string(states[2].Payload))
	require.Eventually(t, func() bool { return s.Online() }, waitTimeout, time.Millisecond)
	assert.Equal(t, []byte("ONLINE"), b.Retained("STATE/H").Payload)
}

func TestSessionOfflineOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := transport.NewMockBroker()
	s, err := host.NewSession(host.SessionOptions{HostID: "H", Factory: b.New, Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, err)
	require.NoError(t, s.Establish(ctx))
	defer s.Close(ctx)

	b.Publish(&transport.Message{Topic: "STATE/H", Payload: []byte("OFFLINE"), QOS: 1, Retain: true})
	require.Eventually(t, func() bool { return len(b.Published("STATE/H")) == 3 }, waitTimeout, time.Millisecond)
	assert.Equal(t, []byte("ONLINE"), b.Retained("STATE/H").Payload)
}

// Host monitor and edge node over one broker: gap in node sequence is repaired by rebirth.
func TestSessionMonitorRebirth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := transport.NewMockBroker()
	hstat := stat.New()
	var mu sync.Mutex
	var received []string
	mon := host.NewMonitor(host.MonitorOptions{
		Log:  log2.NewTest(t, log2.LDebug),
		Stat: hstat,
		OnData: func(topic sparkplug.Topic, ms []*sparkplug.Metric) {
			if topic.Type == sparkplug.DDATA {
				mu.Lock()
				received = append(received, ms[0].Name)
				mu.Unlock()
			}
		},
	})
	s, err := host.NewSession(host.SessionOptions{HostID: "H", Factory: b.New, Monitor: mon, Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, err)
	require.NoError(t, s.Establish(ctx))
	defer s.Close(ctx)

	n, err := edge.NewNode(edge.Options{GroupID: "G", NodeID: "N", Factory: b.New, UseAliases: true, Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, err)
	d, err := n.AddDevice("D1")
	require.NoError(t, err)
	require.NoError(t, d.DefineMetric("level", sparkplug.UInt16, uint16(1)))
	require.NoError(t, n.Start(ctx))
	defer n.Stop(ctx)
	require.Eventually(t, func() bool { return mon.IsDeviceOnline("G", "N", "D1") }, waitTimeout, time.Millisecond)

	require.NoError(t, d.Publish(ctx, edge.Update{Name: "level", Value: uint16(2)}))
	require.Eventually(t, func() bool { return len(b.Published("spBv1.0/G/DDATA/N/D1")) == 1 }, waitTimeout, time.Millisecond)

	// foreign publisher breaks sequence
	p := &sparkplug.Payload{}
	p.SetSeq(100)
	bad, err := p.Marshal()
	require.NoError(t, err)
	b.Publish(&transport.Message{Topic: "spBv1.0/G/NDATA/N", Payload: bad})

	require.Eventually(t, func() bool { return len(b.Published("spBv1.0/G/NBIRTH/N")) == 2 }, waitTimeout, time.Millisecond)
	cmds := b.Published("spBv1.0/G/NCMD/N")
	require.Len(t, cmds, 1)
	assert.Equal(t, "H", cmds[0].Client)
	require.Eventually(t, func() bool { return mon.IsDeviceOnline("G", "N", "D1") }, waitTimeout, time.Millisecond)

	require.NoError(t, d.Publish(ctx, edge.Update{Name: "level", Value: uint16(3)}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(hstat.Received.WithLabelValues("DDATA")) == 2
	}, waitTimeout, time.Millisecond)
	// alias only on wire, name after resolve
	mu.Lock()
	assert.Equal(t, []string{"level", "level"}, received)
	mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(hstat.RebirthRequests))
	nodes := mon.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, uint64(2), nodes[0].Seq)
}
