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
	"github.com/urfave/cli/v2"

	"github.com/robinmta/robin/framework/config"
	"github.com/robinmta/robin/framework/log"
	"github.com/robinmta/robin/internal/auth"
	"github.com/robinmta/robin/internal/client"
)

func runClient(ctx *cli.Context, cfgDir string) error {
	cfg, props, err := config.LoadClientDir(cfgDir)
	if err != nil {
		return err
	}

	magic := auth.Magic{Bindings: props}
	transcript, runErr := client.Run(ctx.Context, *cfg, magic, named(log.DefaultLogger, "client"))
	if transcript != nil {
		if err := printTranscript(transcript, ctx.Bool("json")); err != nil {
			return err
		}
	}
	if runErr != nil {
		return cli.Exit(runErr.Error(), 2)
	}
	return nil
}
