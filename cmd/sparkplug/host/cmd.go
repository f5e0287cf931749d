package host

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/sparkplug/cmd/sparkplug/subcmd"
	"github.com/temoto/sparkplug/internal/host"
	"github.com/temoto/sparkplug/internal/state"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/sparkplug"
)

var Mod = subcmd.Mod{Name: "host", Usage: "primary host application, logs edge node data", Main: Main}

var TCKMod = subcmd.Mod{Name: "tck-session", Usage: "host session establishment with TCK control channel", Main: TCKMain}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	mon := host.NewMonitor(g.MonitorOptions(DataLogger(g.Log)))
	s, err := establish(ctx, g, mon)
	if err != nil {
		return err
	}
	subcmd.SdNotify(daemon.SdNotifyReady)

	<-g.Alive.StopChan()
	for _, n := range mon.Nodes() {
		g.Log.Infof("host node group=%s node=%s online=%t bdSeq=%d seq=%d devices=%v", n.GroupID, n.NodeID, n.Online, n.BdSeq, n.Seq, n.Devices)
	}
	return closeSession(s)
}

// TCKMain runs handshake with control announcement and exits after END TEST.
func TCKMain(ctx context.Context, config *state.Config) error {
	config.Host.Control = true
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	s, err := establish(ctx, g, nil)
	if err != nil {
		return err
	}
	g.Log.Infof("host %s session established", config.Host.ID)
	return closeSession(s)
}

func establish(ctx context.Context, g *state.Global, mon *host.Monitor) (*host.Session, error) {
	opt, err := g.SessionOptions(mon)
	if err != nil {
		return nil, err
	}
	s, err := host.NewSession(opt)
	if err != nil {
		return nil, err
	}
	if err = s.Establish(ctx); err != nil {
		_ = closeSession(s)
		return nil, errors.Annotate(err, "host establish")
	}
	return s, nil
}

func closeSession(s *host.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Close(ctx)
}

// DataLogger prints resolved metrics, one line per message.
func DataLogger(log *log2.Log) host.DataFunc {
	return func(topic sparkplug.Topic, ms []*sparkplug.Metric) {
		log.Info(FormatData(topic, ms))
	}
}

func FormatData(topic sparkplug.Topic, ms []*sparkplug.Metric) string {
	var b strings.Builder
	b.WriteString(topic.String())
	for _, m := range ms {
		b.WriteString(" ")
		b.WriteString(m.Key())
		b.WriteString("=")
		if m.IsNull {
			b.WriteString("null")
			continue
		}
		v, err := m.Decode()
		if err != nil {
			fmt.Fprintf(&b, "(error %v)", err)
			continue
		}
		fmt.Fprint(&b, v)
	}
	return b.String()
}
