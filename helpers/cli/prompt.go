// Package cli runs line oriented interactive tools: go-prompt on terminal, plain lines otherwise.
package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

type ExecFunc func(line string)
type CompleteFunc func(d prompt.Document) []prompt.Suggest

// MainLoop reads commands until EOF. Empty lines are skipped.
func MainLoop(tag string, exec ExecFunc, complete CompleteFunc) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		if complete == nil {
			complete = NoSuggest
		}
		prompt.New(func(line string) {
			if line = strings.TrimSpace(line); line != "" {
				exec(line)
			}
		}, prompt.Completer(complete), prompt.OptionPrefix(tag+"> "), prompt.OptionTitle(tag)).Run()
		return nil
	}
	return ReadLines(os.Stdin, exec)
}

func ReadLines(r io.Reader, exec ExecFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			exec(line)
		}
	}
	return errors.Annotate(scanner.Err(), "cli read")
}

func NoSuggest(prompt.Document) []prompt.Suggest { return nil }
