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

// Package shared contains the control API client and output helpers used by
// the client subcommands.
package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	dspshared "github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/odrl"
	"github.com/spf13/viper"
)

// Viper keys shared by all client subcommands.
const (
	Address = "client.address"
	NoColor = "client.noColour"
)

const requestTimeout = 30 * time.Second

// ControlClient talks to a running connector's control API.
type ControlClient struct {
	base   *url.URL
	client *http.Client
}

// GetControlClient returns a control client configured from viper.
func GetControlClient() (*ControlClient, error) {
	base, err := url.Parse(viper.GetString(Address))
	if err != nil {
		return nil, fmt.Errorf("invalid control address: %w", err)
	}
	return &ControlClient{
		base:   base,
		client: &http.Client{Timeout: requestTimeout},
	}, nil
}

// StartNegotiation starts a consumer negotiation towards a provider.
func (c *ControlClient) StartNegotiation(
	ctx context.Context, providerURL string, offer odrl.Offer,
) (*dspshared.ContractNegotiation, error) {
	return c.do(ctx, http.MethodPost, "negotiations", map[string]any{
		"providerUrl": providerURL,
		"offer":       offer,
	})
}

// PostOffer sends a provider side offer to a consumer.
func (c *ControlClient) PostOffer(
	ctx context.Context, consumerURL string, offer odrl.Offer,
) (*dspshared.ContractNegotiation, error) {
	return c.do(ctx, http.MethodPost, "offers", map[string]any{
		"consumerUrl": consumerURL,
		"offer":       offer,
	})
}

// GetNegotiation fetches the state of a negotiation by PID.
func (c *ControlClient) GetNegotiation(ctx context.Context, pid string) (*dspshared.ContractNegotiation, error) {
	return c.do(ctx, http.MethodGet, path.Join("negotiations", pid), nil)
}

// Accept accepts an offered negotiation, consumer side.
func (c *ControlClient) Accept(ctx context.Context, consumerPID string) (*dspshared.ContractNegotiation, error) {
	return c.do(ctx, http.MethodPost, path.Join("negotiations", consumerPID, "accept"), nil)
}

// Verify submits the agreement verification, consumer side.
func (c *ControlClient) Verify(ctx context.Context, consumerPID string) (*dspshared.ContractNegotiation, error) {
	return c.do(ctx, http.MethodPost, path.Join("negotiations", consumerPID, "verify"), nil)
}

// Agree sends the agreement for an accepted negotiation, provider side.
func (c *ControlClient) Agree(ctx context.Context, providerPID string) (*dspshared.ContractNegotiation, error) {
	return c.do(ctx, http.MethodPost, path.Join("negotiations", providerPID, "agreement"), nil)
}

// Finalize finalizes a verified negotiation, provider side.
func (c *ControlClient) Finalize(ctx context.Context, providerPID string) (*dspshared.ContractNegotiation, error) {
	return c.do(ctx, http.MethodPost, path.Join("negotiations", providerPID, "finalize"), nil)
}

// Terminate terminates a negotiation with a code and reason.
func (c *ControlClient) Terminate(
	ctx context.Context, pid, code, reason string,
) (*dspshared.ContractNegotiation, error) {
	return c.do(ctx, http.MethodPost, path.Join("negotiations", pid, "terminate"), map[string]any{
		"code":   code,
		"reason": reason,
	})
}

func (c *ControlClient) do(
	ctx context.Context, method, reqPath string, body any,
) (*dspshared.ContractNegotiation, error) {
	u := *c.base
	u.Path = path.Join(u.Path, "control", reqPath)

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("could not marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not reach connector: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("connector returned %d: %s", resp.StatusCode, string(respBody))
	}
	var n dspshared.ContractNegotiation
	if err := json.Unmarshal(respBody, &n); err != nil {
		return nil, fmt.Errorf("could not decode negotiation: %w", err)
	}
	return &n, nil
}
