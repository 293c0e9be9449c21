/*
Robin Mail Transfer Agent - SMTP server, scriptable client and delivery queue.
Copyright © 2021-2024 The Robin MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/robinmta/robin/framework/config"
	"github.com/robinmta/robin/framework/log"
	"github.com/robinmta/robin/internal/txlog"
)

// Overridden at link time for release builds.
var version = "unknown (built from source tree)"

func buildInfo() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version == "(devel)" || info.Main.Version == "" {
			return version
		}
		return info.Main.Version
	}
	return version
}

func main() {
	app := &cli.App{
		Name:    "robin",
		Usage:   "SMTP server, scriptable client and delivery queue",
		Version: buildInfo(),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "server",
				Usage: "run the SMTP server; the optional argument is the configuration directory",
			},
			&cli.BoolFlag{
				Name:  "client",
				Usage: "run the scriptable client against client.json",
			},
			&cli.BoolFlag{
				Name:  "mtasts",
				Usage: "resolve and print the MTA-STS policy of --domain",
			},
			&cli.BoolFlag{
				Name:  "dane",
				Usage: "look up TLSA records for --mx (or all MXes of --domain)",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration `DIR`",
				EnvVars: []string{"ROBIN_CONFIG"},
				Value:   "/etc/robin",
			},
			&cli.StringFlag{
				Name:    "runtime",
				Usage:   "runtime `DIR` relative unix socket paths are resolved against",
				EnvVars: []string{"ROBIN_RUNTIME"},
				Value:   "/run/robin",
			},
			&cli.StringFlag{
				Name:    "domain",
				Aliases: []string{"d"},
				Usage:   "domain to query",
			},
			&cli.StringFlag{
				Name:    "mx",
				Aliases: []string{"m"},
				Usage:   "MX hostname to query or check against the policy",
			},
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "read the MTA-STS policy from `PATH` instead of fetching it",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "machine-readable JSON output",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
		ExitErrHandler: func(c *cli.Context, err error) {
			cli.HandleExitCoder(err)
			if err != nil {
				log.Println(err)
				cli.OsExiter(2)
			}
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(2)
	}
}

func run(ctx *cli.Context) error {
	if ctx.Bool("debug") {
		log.DefaultLogger.Debug = true
	}
	config.RuntimeDirectory = ctx.String("runtime")

	modes := 0
	for _, m := range []string{"server", "client", "mtasts", "dane"} {
		if ctx.Bool(m) {
			modes++
		}
	}
	if modes != 1 {
		cli.ShowAppHelp(ctx)
		return cli.Exit("exactly one of --server, --client, --mtasts, --dane is required", 1)
	}

	cfgDir := ctx.String("config")
	if ctx.Args().Len() != 0 {
		cfgDir = ctx.Args().First()
	}

	switch {
	case ctx.Bool("server"):
		return runServer(cfgDir)
	case ctx.Bool("client"):
		return runClient(ctx, cfgDir)
	case ctx.Bool("mtasts"):
		return runMTASTS(ctx)
	default:
		return runDANE(ctx)
	}
}

// printTranscript renders the client run transcript, as indented JSON with
// --json or as a C:/S: dialogue otherwise.
func printTranscript(transcript *txlog.Session, jsonOut bool) error {
	if jsonOut {
		doc := struct {
			Session   []txlog.Transaction   `json:"session"`
			Envelopes [][]txlog.Transaction `json:"envelopes"`
		}{Session: transcript.Log.All()}
		for _, env := range transcript.Envelopes {
			doc.Envelopes = append(doc.Envelopes, env.All())
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	printLog := func(l *txlog.Log) {
		for _, tx := range l.All() {
			if tx.Payload != "" {
				fmt.Println("C:", tx.Payload)
			}
			for _, line := range strings.Split(tx.Response, "\n") {
				fmt.Println("S:", line)
			}
		}
	}
	printLog(transcript.Log)
	for i, env := range transcript.Envelopes {
		fmt.Printf("--- destination %d ---\n", i+1)
		printLog(env)
	}
	return nil
}
