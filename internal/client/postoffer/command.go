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

// Package postoffer offers a command to send an unsolicited contract offer to
// a consumer connector.
package postoffer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/conduitspace/conduit/internal/client/shared"
	"github.com/conduitspace/conduit/internal/ui"
	"github.com/conduitspace/conduit/odrl"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	Command.Flags().BoolVarP(&printJSON, "json", "j", false, "output negotiation in JSON format")
}

var (
	printJSON bool
	Command   = &cobra.Command{
		Use:   "postoffer <consumer_url> <offer_file>",
		Short: "Send a contract offer.",
		Long:  "Starts a provider side contract negotiation by sending the offer in the given file.",
		Args:  cobra.ExactArgs(2),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("argument needs to be a valid URL")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, ok := viper.Get("initCTX").(context.Context)
			if !ok {
				return fmt.Errorf("couldn't fetch initial context")
			}

			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("could not read offer file %s: %w", args[1], err)
			}
			var offer odrl.Offer
			if err := json.Unmarshal(data, &offer); err != nil {
				return fmt.Errorf("could not parse offer file %s: %w", args[1], err)
			}

			client, err := shared.GetControlClient()
			if err != nil {
				return fmt.Errorf("couldn't initialise control client: %w", err)
			}

			ui.Info(fmt.Sprintf("Offering %s to %s", offer.Target, args[0]))
			n, err := client.PostOffer(ctx, args[0], offer)
			if err != nil {
				return fmt.Errorf("could not post offer: %w", err)
			}
			ui.Info("Offer sent")
			return shared.PrintNegotiation(n, printJSON)
		},
	}
)
