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

// Package terminate offers a command to terminate a contract negotiation.
package terminate

import (
	"context"
	"fmt"

	"github.com/conduitspace/conduit/internal/client/shared"
	"github.com/conduitspace/conduit/internal/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	Command.Flags().BoolVarP(&printJSON, "json", "j", false, "output negotiation in JSON format")
	Command.Flags().StringVar(&code, "code", "OPERATOR_REQUESTED", "termination code")
	Command.Flags().StringVar(&reason, "reason", "Terminated by operator.", "termination reason")
}

var (
	printJSON bool
	code      string
	reason    string
	Command   = &cobra.Command{
		Use:   "terminate <negotiation_pid>",
		Short: "Terminate a contract negotiation.",
		Long:  "Terminates a negotiation, either role, and notifies the counterparty.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, ok := viper.Get("initCTX").(context.Context)
			if !ok {
				return fmt.Errorf("couldn't fetch initial context")
			}

			client, err := shared.GetControlClient()
			if err != nil {
				return fmt.Errorf("couldn't initialise control client: %w", err)
			}

			n, err := client.Terminate(ctx, args[0], code, reason)
			if err != nil {
				return fmt.Errorf("could not terminate negotiation %s: %w", args[0], err)
			}
			ui.Warn("Negotiation terminated")
			return shared.PrintNegotiation(n, printJSON)
		},
	}
)
