package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the structural contract for every inbound message.
// It covers the wrapper only; per-type details payloads are not
// deep-validated here.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "type", "timestamp", "sender"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "timestamp": {"type": "integer"},
    "sender": {"type": "string", "minLength": 1},
    "details": {"type": ["object", "null"]}
  }
}`

// DecodeError reports a malformed envelope. Malformed envelopes are
// dropped and logged by the router; they never reach handlers.
type DecodeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: %s (%s)", e.Message, e.Code)
}

const (
	codeMalformedJSON    = "MALFORMED_JSON"
	codeSchemaViolation  = "SCHEMA_VIOLATION"
	codeUnknownType      = "UNKNOWN_TYPE"
	codeMalformedDetails = "MALFORMED_DETAILS"
	codeDetailsMismatch  = "DETAILS_MISMATCH"
)

// IsUnknownType reports whether err is a DecodeError for an
// unrecognized envelope type.
func IsUnknownType(err error) bool {
	de, ok := err.(*DecodeError)
	return ok && de.Code == codeUnknownType
}

// Codec validates and type-discriminates envelopes.
type Codec struct {
	schema *jsonschema.Schema
}

// NewCodec compiles the structural schema.
func NewCodec() (*Codec, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Codec{schema: schema}, nil
}

// rawEnvelope mirrors the wire shape with the payload left opaque for
// the tag dispatch.
type rawEnvelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Sender    string          `json:"sender"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Decode validates the wrapper, checks the type tag, and unmarshals the
// details into the matching static struct. An absent or null details
// field yields a nil Details, which is still a structurally valid envelope.
func (c *Codec) Decode(raw []byte) (*Envelope, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &DecodeError{Code: codeMalformedJSON, Message: err.Error()}
	}
	if err := c.schema.Validate(generic); err != nil {
		return nil, &DecodeError{Code: codeSchemaViolation, Message: err.Error()}
	}

	var shadow rawEnvelope
	if err := json.Unmarshal(raw, &shadow); err != nil {
		return nil, &DecodeError{Code: codeMalformedJSON, Message: err.Error()}
	}
	if !knownTypes[shadow.Type] {
		return nil, &DecodeError{Code: codeUnknownType, Message: fmt.Sprintf("unrecognized envelope type %q", shadow.Type)}
	}

	env := &Envelope{
		ID:        shadow.ID,
		Type:      shadow.Type,
		Timestamp: shadow.Timestamp,
		Sender:    shadow.Sender,
	}

	if len(shadow.Details) == 0 || bytes.Equal(shadow.Details, []byte("null")) {
		return env, nil
	}

	details := newDetails(shadow.Type)
	if err := json.Unmarshal(shadow.Details, details); err != nil {
		return nil, &DecodeError{Code: codeMalformedDetails, Message: err.Error()}
	}
	env.Details = details
	return env, nil
}

// Encode serializes an envelope. When details are present their kind
// must match the envelope type.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	if env.Details != nil && env.Details.envelopeType() != env.Type {
		return nil, &DecodeError{
			Code:    codeDetailsMismatch,
			Message: fmt.Sprintf("details kind %s does not match envelope type %s", env.Details.envelopeType(), env.Type),
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	return raw, nil
}

// newDetails returns a zero-value details struct for the type tag.
func newDetails(t Type) Details {
	switch t {
	case TypeAgentInfo:
		return &AgentInfoDetails{}
	case TypeAgentVerification:
		return &AgentVerificationDetails{}
	case TypeRequest:
		return &RequestDetails{}
	case TypeResponse:
		return &ResponseDetails{}
	case TypeRebalanceProposal:
		return &RebalanceProposalDetails{}
	case TypeRebalanceApproved:
		return &RebalanceApprovedDetails{}
	case TypeRebalanceExecuted:
		return &RebalanceExecutedDetails{}
	case TypeRiskAlert:
		return &RiskAlertDetails{}
	case TypePriceUpdate:
		return &PriceUpdateDetails{}
	default:
		return nil
	}
}
