package broker

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/sparkplug/cmd/sparkplug/subcmd"
	"github.com/temoto/sparkplug/internal/state"
	"github.com/temoto/sparkplug/transport/mqtt"
)

const DefaultListen = "tcp://127.0.0.1:1883"

var Mod = subcmd.Mod{Name: "broker", Usage: "embedded MQTT broker for development and tests", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	s, err := Start(ctx, g, config.Broker)
	if err != nil {
		return err
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("broker listen=%v", s.Addrs())
	<-g.Alive.StopChan()
	return errors.Annotate(s.Close(), "broker close")
}

// Start listens on configured URLs. Empty users allows anonymous clients.
func Start(ctx context.Context, g *state.Global, c state.BrokerConfig) (*mqtt.Server, error) {
	opt := mqtt.ServerOptions{
		Log:       g.Log,
		OnConnect: mqtt.AllowAll,
		OnClose: func(clientID string, clean bool, e error) {
			g.Log.Debugf("broker client=%s closed clean=%t err=%v", clientID, clean, e)
		},
	}
	if len(c.Users) != 0 {
		opt.OnConnect = mqtt.AuthFromMap(c.Users)
	}
	urls := c.Listen
	if len(urls) == 0 {
		urls = []string{DefaultListen}
	}
	lopts := make([]*mqtt.ListenOptions, len(urls))
	for i, u := range urls {
		lopts[i] = &mqtt.ListenOptions{URL: u}
	}
	s := mqtt.NewServer(opt)
	if err := s.Listen(ctx, lopts); err != nil {
		_ = s.Close()
		return nil, errors.Annotate(err, "broker")
	}
	return s, nil
}
