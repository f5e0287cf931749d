package decode

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/sparkplug/cmd/sparkplug/subcmd"
	"github.com/temoto/sparkplug/helpers/cli"
	"github.com/temoto/sparkplug/internal/state"
	"github.com/temoto/sparkplug/log2"
	"github.com/temoto/sparkplug/sparkplug"
)

const modName = "decode"

var Mod = subcmd.Mod{Name: modName, Usage: "print payloads given as hex (or base64:...) lines", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	log := log2.ContextValueLogger(ctx)
	return cli.MainLoop(modName, NewExecutor(log), completer)
}

func completer(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "base64:", Description: "payload in standard base64"},
	}
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}

func NewExecutor(log *log2.Log) cli.ExecFunc {
	return func(line string) {
		p, err := Decode(line)
		if err != nil {
			log.Errorf("decode err=%v", err)
			return
		}
		log.Info(p.String())
	}
}

// Decode parses payload in hex, spaces allowed, or with "base64:" prefix.
func Decode(line string) (*sparkplug.Payload, error) {
	var b []byte
	var err error
	if s := strings.TrimPrefix(line, "base64:"); s != line {
		b, err = base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	} else {
		s = strings.Join(strings.Fields(line), "")
		// mosquitto_sub wrongly strips leading zero in hex format
		if len(s)%2 == 1 {
			s = "0" + s
		}
		b, err = hex.DecodeString(s)
	}
	if err != nil {
		return nil, errors.Annotate(err, "input")
	}
	return sparkplug.ParsePayload(b)
}
