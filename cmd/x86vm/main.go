// Command x86vm runs, inspects and archives x86 contract blobs.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/fortiblox/x86vm/internal/log"
	"github.com/fortiblox/x86vm/pkg/x86vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var (
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
		Value: "info",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the blob archive and receipt journal",
	}

	gasFlag = &cli.Uint64Flag{
		Name:  "gas",
		Usage: "Gas limit for each execution",
	}
	heightFlag = &cli.UintFlag{
		Name:  "height",
		Usage: "Block number visible to the contract",
	}
	timeFlag = &cli.UintFlag{
		Name:  "time",
		Usage: "Block time visible to the contract",
	}
	debugPrintFlag = &cli.BoolFlag{
		Name:  "debug-print",
		Usage: "Emit contract DebugPrint messages",
	}
	hashFlag = &cli.StringFlag{
		Name:  "hash",
		Usage: "Load the blob from the archive by its base58 key instead of a file",
	}
	recordFlag = &cli.BoolFlag{
		Name:  "record",
		Usage: "Record a receipt in the journal",
	}
)

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version numbers",
	Action: func(ctx *cli.Context) error {
		fmt.Fprintf(ctx.App.Writer, "x86vm %s (%s)\nengine: %s\n", Version, GitCommit, x86vm.EngineName())
		return nil
	},
}

func newApp() *cli.App {
	app := &cli.App{
		Name:        "x86vm",
		Usage:       "x86 contract virtual machine",
		Version:     Version,
		HideVersion: true,
		Flags:       []cli.Flag{configFileFlag, logLevelFlag, dataDirFlag},
		Commands: []*cli.Command{
			runCommand,
			inspectCommand,
			deployCommand,
			verifyCommand,
			dumpConfigCommand,
			versionCommand,
		},
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	app.Before = func(ctx *cli.Context) error {
		cfg, err := makeConfig(ctx)
		if err != nil {
			return err
		}
		return log.SetLevel(cfg.Log.Level)
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
