package main

import (
	"fmt"
	"os"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"
	"github.com/temoto/sparkplug/cmd/sparkplug/broker"
	"github.com/temoto/sparkplug/cmd/sparkplug/decode"
	"github.com/temoto/sparkplug/cmd/sparkplug/emulator"
	"github.com/temoto/sparkplug/cmd/sparkplug/host"
	"github.com/temoto/sparkplug/cmd/sparkplug/subcmd"
	"github.com/temoto/sparkplug/internal/state"
	"github.com/temoto/sparkplug/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LInfo)
var modules = []subcmd.Mod{
	emulator.Mod,
	host.Mod,
	host.TCKMod,
	decode.Mod,
	broker.Mod,
}

func main() {
	flags := flag.NewFlagSet("sparkplug", flag.ContinueOnError)
	flagConfig := flags.StringP("config", "c", "sparkplug.hcl", "")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sparkplug [options] command\n\nOptions:\n")
		flags.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		for _, m := range modules {
			fmt.Fprintf(os.Stderr, "  %-12s %s\n", m.Name, m.Usage)
		}
	}

	err := flags.Parse(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}

	mod, err := subcmd.Parse(flags.Arg(0), modules)
	if err != nil {
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	config, err := readConfig(*flagConfig, flags.Changed("config"))
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	if err := mod.Main(ctx, config); err != nil {
		g.Fatal(err, "command=%s", mod.Name)
	}
}

// readConfig falls back to built in defaults when default config file is absent.
func readConfig(path string, explicit bool) (*state.Config, error) {
	config, err := state.ReadConfig(log, state.NewOsFullReader(), path)
	if err != nil && !explicit && errors.IsNotFound(errors.Cause(err)) {
		log.Debugf("config path=%s not found, using defaults", path)
		return state.ReadConfig(log, state.NewMockFullReader(map[string]string{"builtin": ""}), "builtin")
	}
	return config, err
}
