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

package shared

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/conduitspace/conduit/internal/ui"
	"github.com/fatih/color"
	"github.com/spf13/viper"

	dspshared "github.com/conduitspace/conduit/dsp/shared"
)

// PrintNegotiation prints out a contract negotiation, either as a table or as JSON.
func PrintNegotiation(n *dspshared.ContractNegotiation, printJSON bool) error {
	if printJSON {
		return pprintJSON(n)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", color.New(color.Bold).Sprint("Consumer PID"), n.ConsumerPID)
	fmt.Fprintf(w, "%s\t%s\n", color.New(color.Bold).Sprint("Provider PID"), n.ProviderPID)
	fmt.Fprintf(w, "%s\t%s\n", color.New(color.Bold).Sprint("State"), n.State)
	w.Flush()
	return nil
}

func pprintJSON[T any](o T) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("could not marshal negotiation: %w", err)
	}
	var buf bytes.Buffer
	err = json.Indent(&buf, b, "", "  ")
	if err != nil {
		return fmt.Errorf("could not indent JSON: %w", err)
	}
	if viper.GetBool(NoColor) {
		ui.Print(buf.String())
		return nil
	}
	return quick.Highlight(os.Stdout, buf.String(), "json", "terminal256", "catppuccin-mocha")
}
