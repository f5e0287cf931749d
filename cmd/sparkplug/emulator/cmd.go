package emulator

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/sparkplug/cmd/sparkplug/subcmd"
	"github.com/temoto/sparkplug/internal/edge"
	"github.com/temoto/sparkplug/internal/state"
)

var Mod = subcmd.Mod{Name: "edge", Usage: "emulated edge node publishing every datatype", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	if config.Edge.GroupID == "" || config.Edge.NodeID == "" {
		return errors.NotValidf("config edge.group_id and edge.node_id required")
	}

	opt, err := g.EdgeOptions()
	if err != nil {
		return err
	}
	emu := NewEmulator(g.Log)
	opt.WriteFunc = emu.Write
	n, err := edge.NewNode(opt)
	if err != nil {
		return err
	}
	if err = emu.Define(n, config.Edge.Devices); err != nil {
		return err
	}
	if err = n.Start(ctx); err != nil {
		return errors.Annotate(err, "edge start")
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("edge group=%s node=%s devices=%v running", n.GroupID(), n.NodeID(), config.Edge.Devices)

	interval := time.Duration(config.Edge.DataIntervalSec) * time.Second
	emu.Run(ctx, n, config.Edge.Devices, interval, g.Alive.StopChan())

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Annotate(n.Stop(stopCtx), "edge stop")
}
