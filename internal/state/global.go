// Package state holds process wide runtime: configuration, logger, metrics and lifecycle.
package state

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sparkplug/internal/edge"
	"github.com/temoto/sparkplug/internal/host"
	"github.com/temoto/sparkplug/internal/stat"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/transport"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
	Stat         *stat.Stat

	// nil uses real MQTT client of Config.Mqtt.Client kind
	Factory transport.Factory
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error state.NewContext() log=nil")
	}
	g := &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: "unknown",
		Log:          log,
		Stat:         stat.New(),
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	g.Log.Debugf("build version=%s", g.BuildVersion)
	if g.Factory == nil {
		g.Factory = transport.NewFactory(cfg.Mqtt.Client)
	}
	if _, err := g.TransportOptions(); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			g.Log.Infof("signal=%v stopping", sig)
			g.Stop()
		case <-g.Alive.StopChan():
		}
		signal.Stop(sigs)
	}()

	return errors.Annotate(g.ServeStat(), "stat")
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	if err := g.Init(ctx, cfg); err != nil {
		g.Fatal(err)
	}
}

// ServeStat runs prometheus handler on stat.listen until Alive stops. Empty listen does nothing.
func (g *Global) ServeStat() error {
	addr := g.Config.Stat.Listen
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", g.Stat.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if !g.Alive.Add(1) {
		return errors.Errorf("stopping")
	}
	go func() {
		defer g.Alive.Done()
		<-g.Alive.StopChan()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	go func() {
		g.Log.Infof("stat listen=%s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.Error(err, "stat listen=%s", addr)
			g.Stop()
		}
	}()
	return nil
}

func (g *Global) TransportOptions() (transport.Options, error) {
	return g.Config.TransportOptions(g.Log.Clone(log2.LInfo))
}

func (g *Global) EdgeOptions() (edge.Options, error) {
	topt, err := g.TransportOptions()
	if err != nil {
		return edge.Options{}, err
	}
	c := &g.Config.Edge
	return edge.Options{
		GroupID:     c.GroupID,
		NodeID:      c.NodeID,
		Factory:     g.Factory,
		Transport:   topt,
		UseAliases:  c.UseAliases,
		PersistPath: c.PersistPath,
		QueuePath:   c.QueuePath(),
		Log:         g.Log,
		Stat:        g.Stat,
	}, nil
}

func (g *Global) SessionOptions(mon *host.Monitor) (host.SessionOptions, error) {
	topt, err := g.TransportOptions()
	if err != nil {
		return host.SessionOptions{}, err
	}
	return host.SessionOptions{
		HostID:    g.Config.Host.ID,
		Control:   g.Config.Host.Control,
		Factory:   g.Factory,
		Transport: topt,
		Monitor:   mon,
		Log:       g.Log,
	}, nil
}

func (g *Global) MonitorOptions(onData host.DataFunc) host.MonitorOptions {
	return host.MonitorOptions{
		RebirthDebounce: time.Duration(g.Config.Host.RebirthDebounceSec) * time.Second,
		OnData:          onData,
		Log:             g.Log,
		Stat:            g.Stat,
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
