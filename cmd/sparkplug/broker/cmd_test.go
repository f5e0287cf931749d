package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sparkplug/internal/edge"
	"github.com/temoto/sparkplug/internal/host"
	"github.com/temoto/sparkplug/internal/state"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/sparkplug"
	"github.com/temoto/sparkplug/transport"
)

// Edge node and host over embedded broker and real MQTT client.
func TestBrokerSession(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	ctx, g := state.NewContext(log)
	defer g.Stop()
	cfg, err := state.ReadConfig(log, state.NewMockFullReader(map[string]string{"test": `
mqtt { client = "gomqtt" username = "admin" password = "changeme" }
edge { group_id = "G" node_id = "N" use_aliases = true }
host { id = "H" }
broker {
	listen = ["tcp://127.0.0.1:0"]
	users { admin = "changeme" }
}`}), "test")
	require.NoError(t, err)

	s, err := Start(ctx, g, cfg.Broker)
	require.NoError(t, err)
	defer s.Close()
	addrs := s.Addrs()
	require.Len(t, addrs, 1)
	cfg.Mqtt.Broker = "tcp://" + addrs[0]
	require.NoError(t, g.Init(ctx, cfg))

	mon := host.NewMonitor(g.MonitorOptions(nil))
	sopt, err := g.SessionOptions(mon)
	require.NoError(t, err)
	hs, err := host.NewSession(sopt)
	require.NoError(t, err)
	require.NoError(t, hs.Establish(ctx))
	defer hs.Close(ctx)

	eopt, err := g.EdgeOptions()
	require.NoError(t, err)
	n, err := edge.NewNode(eopt)
	require.NoError(t, err)
	d, err := n.AddDevice("D1")
	require.NoError(t, err)
	require.NoError(t, d.DefineMetric("level", sparkplug.Float, float32(0)))
	require.NoError(t, n.Start(ctx))
	defer n.Stop(ctx)

	require.Eventually(t, func() bool { return mon.IsDeviceOnline("G", "N", "D1") }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Publish(ctx, edge.Update{Name: "level", Value: float32(0.5)}))
	require.Eventually(t, func() bool {
		nodes := mon.Nodes()
		return len(nodes) == 1 && nodes[0].Seq == 2
	}, 5*time.Second, 5*time.Millisecond)

	ctxStop, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, n.Stop(ctxStop))
	require.Eventually(t, func() bool { return !mon.IsOnline("G", "N") }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, len(s.Retain()))
}

func TestBrokerDenied(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	ctx, g := state.NewContext(log)
	defer g.Stop()
	s, err := Start(ctx, g, state.BrokerConfig{Listen: []string{"tcp://127.0.0.1:0"}, Users: map[string]string{"admin": "changeme"}})
	require.NoError(t, err)
	defer s.Close()

	tr, err := transport.New(transport.KindGomqtt, transport.Options{
		BrokerURL:      "tcp://" + s.Addrs()[0],
		ClientID:       "intruder",
		Username:       "admin",
		Password:       "wrong",
		NetworkTimeout: 200 * time.Millisecond,
		ReconnectDelay: 50 * time.Millisecond,
		Log:            log,
	}, transport.HandlerFuncs{})
	require.NoError(t, err)
	defer tr.Close()
	assert.Error(t, tr.Connect(ctx))
}

func TestBrokerListenError(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	ctx, g := state.NewContext(log)
	defer g.Stop()
	_, err := Start(ctx, g, state.BrokerConfig{Listen: []string{"carrier-pigeon://coop"}})
	assert.Error(t, err)
}
