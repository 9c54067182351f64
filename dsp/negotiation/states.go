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

package negotiation

import "fmt"

// State is the state of a contract negotiation.
type State int

const (
	stateRequested State = iota
	stateOffered
	stateAccepted
	stateAgreed
	stateVerified
	stateFinalized
	stateTerminated
)

type statesContainer struct {
	REQUESTED  State
	OFFERED    State
	ACCEPTED   State
	AGREED     State
	VERIFIED   State
	FINALIZED  State
	TERMINATED State
}

// States contains all contract negotiation states.
var States = statesContainer{
	REQUESTED:  stateRequested,
	OFFERED:    stateOffered,
	ACCEPTED:   stateAccepted,
	AGREED:     stateAgreed,
	VERIFIED:   stateVerified,
	FINALIZED:  stateFinalized,
	TERMINATED: stateTerminated,
}

var stateNames = map[State]string{
	stateRequested:  "dspace:REQUESTED",
	stateOffered:    "dspace:OFFERED",
	stateAccepted:   "dspace:ACCEPTED",
	stateAgreed:     "dspace:AGREED",
	stateVerified:   "dspace:VERIFIED",
	stateFinalized:  "dspace:FINALIZED",
	stateTerminated: "dspace:TERMINATED",
}

func (s State) String() string {
	name, ok := stateNames[s]
	if !ok {
		panic(fmt.Sprintf("invalid contract state: %d", int(s)))
	}
	return name
}

// Terminal reports whether no edges lead out of this state.
func (s State) Terminal() bool {
	return s == stateFinalized || s == stateTerminated
}

// ParseState parses a state from its protocol name.
func ParseState(s string) (State, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}
	return stateRequested, fmt.Errorf("invalid contract state: %s", s)
}

// validTransitions is the forward-edge table. Termination is handled in
// CanTransition as it is legal from every non-terminal state.
var validTransitions = map[State][]State{
	stateRequested: {
		stateOffered,
		stateAccepted,
	},
	stateOffered: {
		stateAccepted,
	},
	stateAccepted: {
		stateAgreed,
	},
	stateAgreed: {
		stateVerified,
	},
	stateVerified: {
		stateFinalized,
	},
	stateFinalized:  {},
	stateTerminated: {},
}

// CanTransition reports whether a negotiation may move from current to target.
// It is a pure function; every state mutation consults it and nothing bypasses
// it.
func CanTransition(current, target State) bool {
	if current.Terminal() {
		return false
	}
	if target == stateTerminated {
		return true
	}
	for _, s := range validTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}
