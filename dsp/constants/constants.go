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

// Package constants contains constants shared between the dsp packages.
package constants

import "fmt"

// DSPContext is the JSON-LD context identifier of the supported protocol
// version. Every negotiation message must carry it.
const DSPContext = "https://w3id.org/dspace/2024/1/context.json"

// DSPNamespace is the prefix of all negotiation envelope types.
const DSPNamespace = "dspace:"

// DSPVersion is the protocol version served under APIPath, reported by the
// well-known version endpoint.
const (
	DSPVersion = "2024-1"
	APIPath    = "/"
)

// DataspaceRole is the role this connector plays in a single negotiation.
type DataspaceRole int8

const (
	DataspaceConsumer DataspaceRole = iota
	DataspaceProvider
)

func (r DataspaceRole) String() string {
	switch r {
	case DataspaceConsumer:
		return "CONSUMER"
	case DataspaceProvider:
		return "PROVIDER"
	default:
		panic("not a valid role")
	}
}

// ParseRole parses a role string as emitted by DataspaceRole.String.
func ParseRole(s string) (DataspaceRole, error) {
	switch s {
	case "CONSUMER":
		return DataspaceConsumer, nil
	case "PROVIDER":
		return DataspaceProvider, nil
	default:
		return DataspaceConsumer, fmt.Errorf("invalid role: %s", s)
	}
}
