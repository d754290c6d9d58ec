// Package cli holds the flag handling shared by the veda subcommands.
package cli

import (
	"errors"
	"flag"
	"fmt"
)

// Outcome is what a subcommand should do after its flags are parsed.
type Outcome struct {
	ShowVersion bool
	Args        []string
}

// Parse adds -h/-help and -v/-version to fs and parses args. A help
// request prints usage lines followed by the flag defaults and returns
// flag.ErrHelp.
func Parse(fs *flag.FlagSet, args []string, usage ...string) (Outcome, error) {
	if fs == nil {
		return Outcome{}, errors.New("cli: nil flag set")
	}
	var help, showVersion bool
	fs.BoolVar(&help, "help", false, "Show this help message")
	fs.BoolVar(&help, "h", false, "Show this help message")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&showVersion, "v", false, "Print version and exit")
	fs.Usage = func() {
		for _, line := range usage {
			fmt.Fprintln(fs.Output(), line)
		}
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return Outcome{}, err
	}
	if help {
		fs.Usage()
		return Outcome{}, flag.ErrHelp
	}
	return Outcome{ShowVersion: showVersion, Args: fs.Args()}, nil
}
