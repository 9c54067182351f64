// Copyright 2025 The Conduit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client contains a client for Conduit, this is the base of all client subcommands.
package client

import (
	"github.com/conduitspace/conduit/internal/cfg"
	"github.com/conduitspace/conduit/internal/client/accept"
	"github.com/conduitspace/conduit/internal/client/agree"
	"github.com/conduitspace/conduit/internal/client/finalize"
	"github.com/conduitspace/conduit/internal/client/negotiate"
	"github.com/conduitspace/conduit/internal/client/postoffer"
	"github.com/conduitspace/conduit/internal/client/shared"
	"github.com/conduitspace/conduit/internal/client/status"
	"github.com/conduitspace/conduit/internal/client/terminate"
	"github.com/conduitspace/conduit/internal/client/verify"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	noColour bool
	Command  = &cobra.Command{
		Use:   "client",
		Short: "Run a Conduit client command.",
		Long:  `Run a Conduit client command against a running connector's control API.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.CheckConnectURL(viper.GetString(shared.Address)); err != nil {
				return err
			}
			if noColour {
				color.NoColor = true
				viper.Set(shared.NoColor, true)
			}
			return nil
		},
	}
)

func init() {
	cfg.AddPersistentFlag(
		Command, shared.Address, "address", "Address of the Conduit control API endpoint.", "http://127.0.0.1:8080")

	Command.PersistentFlags().BoolVar(&noColour, "no-colour", false, "Disable colour in output.")
	Command.AddCommand(negotiate.Command)
	Command.AddCommand(postoffer.Command)
	Command.AddCommand(status.Command)
	Command.AddCommand(accept.Command)
	Command.AddCommand(agree.Command)
	Command.AddCommand(verify.Command)
	Command.AddCommand(finalize.Command)
	Command.AddCommand(terminate.Command)
}
