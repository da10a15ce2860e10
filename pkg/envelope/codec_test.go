package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec()
	require.NoError(t, err)
	return codec
}

func TestDecodeAgentInfo(t *testing.T) {
	codec := newTestCodec(t)
	raw := []byte(`{
		"id": "m-1",
		"type": "agent_info",
		"timestamp": 1700000000000,
		"sender": "agent-a",
		"details": {
			"agentId": "agent-a",
			"topicId": "chan-42",
			"capabilities": ["rebalancing", "pricing"]
		}
	}`)

	env, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeAgentInfo, env.Type)

	info, err := env.AgentInfo()
	require.NoError(t, err)
	assert.Equal(t, "agent-a", info.AgentID)
	assert.Equal(t, "chan-42", info.TopicID)
	assert.Equal(t, []string{"rebalancing", "pricing"}, info.Capabilities)
}

func TestDecodeMissingRequiredField(t *testing.T) {
	codec := newTestCodec(t)
	raw := []byte(`{"id": "m-1", "type": "request", "timestamp": 1}`)

	_, err := codec.Decode(raw)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, codeSchemaViolation, de.Code)
}

func TestDecodeMistypedTimestamp(t *testing.T) {
	codec := newTestCodec(t)
	raw := []byte(`{"id": "m-1", "type": "request", "timestamp": "yesterday", "sender": "a"}`)

	_, err := codec.Decode(raw)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, codeSchemaViolation, de.Code)
}

func TestDecodeUnknownType(t *testing.T) {
	codec := newTestCodec(t)
	raw := []byte(`{"id": "m-1", "type": "teleport", "timestamp": 1, "sender": "a"}`)

	_, err := codec.Decode(raw)
	require.Error(t, err)
	assert.True(t, IsUnknownType(err))
}

func TestDecodeMissingDetailsIsValid(t *testing.T) {
	codec := newTestCodec(t)
	raw := []byte(`{"id": "m-1", "type": "price_update", "timestamp": 1, "sender": "oracle"}`)

	env, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Nil(t, env.Details)
}

func TestDecodePartiallyPopulatedDetails(t *testing.T) {
	codec := newTestCodec(t)
	raw := []byte(`{"id": "m-1", "type": "risk_alert", "timestamp": 1, "sender": "sentinel", "details": {"severity": "high"}}`)

	env, err := codec.Decode(raw)
	require.NoError(t, err)
	alert, err := env.RiskAlert()
	require.NoError(t, err)
	assert.Equal(t, "high", alert.Severity)
	assert.Empty(t, alert.AffectedTokens)
}

func TestDecodeMalformedJSON(t *testing.T) {
	codec := newTestCodec(t)
	_, err := codec.Decode([]byte(`{"id": `))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, codeMalformedJSON, de.Code)
}

func TestEncodeDetailsMismatch(t *testing.T) {
	codec := newTestCodec(t)
	env := New(TypeRequest, "a", &PriceUpdateDetails{Asset: "BTC", Price: 1})

	_, err := codec.Encode(env)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, codeDetailsMismatch, de.Code)
}

func TestRoundTripAllKinds(t *testing.T) {
	codec := newTestCodec(t)

	envelopes := []*Envelope{
		New(TypeAgentInfo, "a", &AgentInfoDetails{AgentID: "a", TopicID: "t", Capabilities: []string{"x"}, Status: "PENDING"}),
		New(TypeAgentVerification, "b", &AgentVerificationDetails{VerifiedAgentID: "a", VerificationResult: true}),
		New(TypeRequest, "a", &RequestDetails{RequestID: "r-1", Action: "quote", Data: map[string]any{"asset": "BTC"}}),
		New(TypeResponse, "b", &ResponseDetails{RequestID: "r-1", Data: map[string]any{"price": 42.0}}),
		New(TypeRebalanceProposal, "gov", &RebalanceProposalDetails{ProposalID: "p-1", NewWeights: map[string]float64{"BTC": 0.5, "ETH": 0.5}, Trigger: "price_deviation", Quorum: 0.5}),
		New(TypeRebalanceApproved, "gov", &RebalanceApprovedDetails{ProposalID: "p-1", ApprovedAt: 1700000000000, Weight: 1}),
		New(TypeRebalanceExecuted, "exec", &RebalanceExecutedDetails{ProposalID: "p-1", PreBalances: map[string]float64{"BTC": 1}, PostBalances: map[string]float64{"BTC": 2}, ExecutedAt: 1700000000001}),
		New(TypeRiskAlert, "sentinel", &RiskAlertDetails{Severity: "high", AffectedTokens: []string{"SOL"}}),
		New(TypePriceUpdate, "oracle", &PriceUpdateDetails{Asset: "BTC", Price: 61234.5, Source: "feed"}),
		New(TypePriceUpdate, "oracle", nil),
	}

	for _, env := range envelopes {
		raw, err := codec.Encode(env)
		require.NoError(t, err, "type %s", env.Type)
		decoded, err := codec.Decode(raw)
		require.NoError(t, err, "type %s", env.Type)
		assert.Equal(t, env, decoded, "round-trip mismatch for %s", env.Type)
	}
}
