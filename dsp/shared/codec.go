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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/jsonld"
	"github.com/conduitspace/conduit/odrl"
	"github.com/go-playground/validator/v10"
)

// ValidationError is returned for any message that fails envelope or body
// validation. Its reason is meant to be returned to the counterparty in a
// protocol error message.
type ValidationError struct {
	reason string
}

func (ve ValidationError) Error() string  { return ve.reason }
func (ve ValidationError) Reason() string { return ve.reason }

// ValidationErrorf builds a ValidationError with a formatted reason.
func ValidationErrorf(format string, args ...any) ValidationError {
	return ValidationError{reason: fmt.Sprintf(format, args...)}
}

// Codec encodes and decodes dataspace protocol messages. It holds its own
// validator instance and is passed to every component that touches the wire,
// there is no package-global serializer state.
type Codec struct {
	validate   *validator.Validate
	contextURI string
}

// NewCodec returns a codec for the supported protocol version with all custom
// validators registered.
func NewCodec() (*Codec, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidators(v); err != nil {
		return nil, err
	}
	return &Codec{
		validate:   v,
		contextURI: constants.DSPContext,
	}, nil
}

// envelope is the minimal probe every inbound document must satisfy before
// the typed unmarshal happens.
type envelope struct {
	Context *json.RawMessage `json:"@context"`
	Type    string           `json:"@type"`
}

// Decode parses an inbound document into the given message type. The document
// must carry a @context matching the connector's protocol version and a @type
// exactly equal to expectedType. Field-level validation (including the
// odrl-namespaced offer payload sub-types) happens via the struct tags.
func Decode[T any](c *Codec, doc []byte, expectedType string) (T, error) {
	var msg T
	var env envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return msg, ValidationErrorf("malformed document: %s", err)
	}
	if env.Context == nil {
		return msg, ValidationErrorf("missing mandatory @context")
	}
	var docCtx struct {
		Context jsonld.Context `json:"@context"`
	}
	if err := json.Unmarshal(doc, &docCtx); err != nil {
		return msg, ValidationErrorf("malformed @context: %s", err)
	}
	if !docCtx.Context.Contains(c.contextURI) {
		return msg, ValidationErrorf("unsupported @context, expected %s", c.contextURI)
	}
	if env.Type == "" {
		return msg, ValidationErrorf("missing mandatory @type")
	}
	if env.Type != expectedType {
		return msg, ValidationErrorf("unexpected @type %s, expected %s", env.Type, expectedType)
	}

	if err := json.Unmarshal(doc, &msg); err != nil {
		return msg, ValidationErrorf("couldn't unmarshal %s: %s", expectedType, err)
	}
	if err := c.validate.Struct(msg); err != nil {
		return msg, c.describeValidationError(err)
	}
	return msg, nil
}

// Encode validates and serializes an outgoing message. Empty optional fields
// are omitted via the struct tags.
func Encode[T any](c *Codec, msg T) ([]byte, error) {
	if err := c.validate.Struct(msg); err != nil {
		return nil, c.describeValidationError(err)
	}
	return json.Marshal(msg)
}

// DecodeRequest decodes an HTTP request body like Decode.
func DecodeRequest[T any](c *Codec, r *http.Request, expectedType string) (T, error) {
	defer r.Body.Close()
	var msg T
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		return msg, ValidationErrorf("couldn't read request body: %s", err)
	}
	return Decode[T](c, doc, expectedType)
}

// EncodeResponse writes a message as a JSON HTTP response with the given
// status.
func EncodeResponse[T any](c *Codec, w http.ResponseWriter, status int, msg T) error {
	body, err := Encode(c, msg)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func (c *Codec) describeValidationError(err error) error {
	if _, ok := err.(*validator.InvalidValidationError); ok { //nolint:errorlint
		return ValidationErrorf("invalid validation: %s", err)
	}
	verrs, ok := err.(validator.ValidationErrors) //nolint:errorlint
	if !ok || len(verrs) == 0 {
		return ValidationErrorf("validation failed: %s", err)
	}
	first := verrs[0]
	return ValidationErrorf("field %s failed the %s check", first.Namespace(), first.Tag())
}

func contractNegotiationState(fl validator.FieldLevel) bool {
	states := []string{
		"dspace:REQUESTED",
		"dspace:OFFERED",
		"dspace:ACCEPTED",
		"dspace:AGREED",
		"dspace:VERIFIED",
		"dspace:FINALIZED",
		"dspace:TERMINATED",
	}
	return slices.Contains(states, fl.Field().String())
}

// registerValidators registers this package's validators plus the odrl ones,
// as the messages embed odrl structs.
func registerValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("contract_state", contractNegotiationState); err != nil {
		return err
	}
	return odrl.RegisterValidators(v)
}
