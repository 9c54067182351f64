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

// Package finalize offers a command to finalize a verified contract
// negotiation.
package finalize

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
}

var (
	printJSON bool
	Command   = &cobra.Command{
		Use:   "finalize <provider_pid>",
		Short: "Finalize a verified contract negotiation.",
		Long:  "Finalizes a verified negotiation, provider side.",
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

			n, err := client.Finalize(ctx, args[0])
			if err != nil {
				return fmt.Errorf("could not finalize negotiation %s: %w", args[0], err)
			}
			ui.Info("Negotiation finalized")
			return shared.PrintNegotiation(n, printJSON)
		},
	}
)
