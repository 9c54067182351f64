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

// Package server provides the server subcommand, it wires up all the
// components and serves the dataspace, control, and well-known endpoints.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/conduitspace/conduit/dsp"
	"github.com/conduitspace/conduit/dsp/events"
	"github.com/conduitspace/conduit/dsp/orchestrator"
	"github.com/conduitspace/conduit/dsp/outbox"
	"github.com/conduitspace/conduit/dsp/persistence"
	"github.com/conduitspace/conduit/dsp/persistence/badger"
	"github.com/conduitspace/conduit/dsp/policy"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/internal/catalog"
	"github.com/conduitspace/conduit/internal/cfg"
	"github.com/conduitspace/conduit/internal/transferinit"
	"github.com/conduitspace/conduit/logging"
	"github.com/justinas/alice"
	sloghttp "github.com/samber/slog-http"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	listenAddrKey = "server.listenAddr"
	portKey       = "server.port"
	externalKey   = "server.externalURL"
	automaticKey  = "negotiation.automatic"
	inMemKey      = "storage.inMemory"
	dbPathKey     = "storage.path"
	offerFileKey  = "catalog.offerFile"
)

// Command is the cobra entrypoint for the server.
var Command = &cobra.Command{
	Use:   "server",
	Short: "Run the Conduit connector.",
	Long:  "Runs the Conduit dataspace connector, serving both the dataspace protocol and the control API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.CheckConnectURL(viper.GetString(externalKey)); err != nil {
			return err
		}
		if f := viper.GetString(offerFileKey); f != "" {
			if err := cfg.CheckFilesExist(f); err != nil {
				return err
			}
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, ok := viper.Get("initCTX").(context.Context)
		if !ok {
			return fmt.Errorf("couldn't fetch initial context")
		}
		return run(ctx)
	},
}

func init() {
	cfg.AddPersistentFlag(Command, listenAddrKey, "listen-addr", "Address to listen on", "0.0.0.0")
	cfg.AddPersistentFlag(Command, portKey, "port", "Port to listen on", 8080)
	cfg.AddPersistentFlag(Command, externalKey, "external-url",
		"URL this connector is reachable on by other connectors", "http://127.0.0.1:8080")
	cfg.AddPersistentFlag(Command, automaticKey, "automatic",
		"Progress negotiations without operator approval", true)
	cfg.AddPersistentFlag(Command, inMemKey, "storage-in-memory", "Store state in memory only", false)
	cfg.AddPersistentFlag(Command, dbPathKey, "storage-path", "Directory for the state database", "/var/lib/conduit")
	cfg.AddPersistentFlag(Command, offerFileKey, "offer-file", "JSON file with the offers to publish", "")
}

func run(ctx context.Context) error {
	logger := logging.Extract(ctx)
	selfURL, err := url.Parse(viper.GetString(externalKey))
	if err != nil {
		return fmt.Errorf("invalid external URL: %w", err)
	}

	store, err := badger.New(ctx, viper.GetBool(inMemKey), viper.GetString(dbPathKey))
	if err != nil {
		return fmt.Errorf("could not initialise storage: %w", err)
	}
	codec, err := shared.NewCodec()
	if err != nil {
		return fmt.Errorf("could not initialise codec: %w", err)
	}

	bus := events.New(ctx)
	ob := outbox.New(ctx, &shared.HTTPRequester{})
	orch := orchestrator.New(store, codec, bus, ob, selfURL, viper.GetBool(automaticKey))
	ob.SetStateSetter(orch)
	orch.RegisterHandlers()

	cat, err := catalog.New(viper.GetString(offerFileKey))
	if err != nil {
		return fmt.Errorf("could not load catalog: %w", err)
	}
	evaluator := policy.New(cat, store, store)
	cat.RegisterHandlers(bus, evaluator)
	orch.SetOfferSource(cat)
	transferinit.New(store).RegisterHandlers(bus)
	registerAuditHandler(bus, store)

	bus.Run()
	ob.Run()

	mux := http.NewServeMux()
	mux.Handle("/.well-known/", http.StripPrefix("/.well-known", dsp.GetWellKnownRoutes(codec)))
	mux.Handle("/control/", http.StripPrefix("/control", dsp.GetControlRoutes(orch, codec)))
	mux.Handle("/", dsp.GetDSPRoutes(orch, codec))

	handler := alice.New(
		sloghttp.Recovery,
		sloghttp.New(logger),
		logging.NewMiddleware(logger),
		jsonHeaderMiddleware,
	).Then(mux)

	addr := fmt.Sprintf("%s:%d", viper.GetString(listenAddrKey), viper.GetInt(portKey))
	logger.Info("Starting server", "listenAddr", addr, "externalURL", selfURL.String())
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 2 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	return srv.ListenAndServe()
}

// registerAuditHandler persists audit events, best effort.
func registerAuditHandler(bus *events.Bus, store persistence.StorageProvider) {
	bus.Subscribe(events.NegotiationAudited{}.Name(), func(ctx context.Context, ev events.Event) error {
		audited, ok := ev.(events.NegotiationAudited)
		if !ok {
			return fmt.Errorf("unexpected event type %T", ev)
		}
		return store.PutAuditRecord(ctx, persistence.AuditRecord{
			Timestamp:   audited.Timestamp,
			ConsumerPID: audited.ConsumerPID,
			ProviderPID: audited.ProviderPID,
			State:       audited.State,
			Note:        audited.Note,
		})
	})
}
