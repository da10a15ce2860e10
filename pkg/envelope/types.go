// Package envelope defines the common message wrapper carried over the
// transport and the codec that validates and type-discriminates it.
//
// The wire shape is {id, type, timestamp, sender, details}. The decoder
// performs the tag dispatch once; downstream code works with the static
// per-kind details structs instead of a dynamic map.
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the envelope payload.
type Type string

const (
	TypeAgentInfo         Type = "agent_info"
	TypeAgentVerification Type = "agent_verification"
	TypeRequest           Type = "request"
	TypeResponse          Type = "response"
	TypeRebalanceProposal Type = "rebalance_proposal"
	TypeRebalanceApproved Type = "rebalance_approved"
	TypeRebalanceExecuted Type = "rebalance_executed"
	TypeRiskAlert         Type = "risk_alert"
	TypePriceUpdate       Type = "price_update"
)

// knownTypes is the closed set of recognized envelope types.
var knownTypes = map[Type]bool{
	TypeAgentInfo:         true,
	TypeAgentVerification: true,
	TypeRequest:           true,
	TypeResponse:          true,
	TypeRebalanceProposal: true,
	TypeRebalanceApproved: true,
	TypeRebalanceExecuted: true,
	TypeRiskAlert:         true,
	TypePriceUpdate:       true,
}

// Details is implemented by the per-kind payload structs.
type Details interface {
	envelopeType() Type
}

// Envelope is the common wrapper for every message on a channel.
// Details may be nil: a message without a payload is still structurally
// valid, and per-type payloads are not deep-validated; consumers must
// tolerate partially populated details.
type Envelope struct {
	ID        string  `json:"id"`
	Type      Type    `json:"type"`
	Timestamp int64   `json:"timestamp"`
	Sender    string  `json:"sender"`
	Details   Details `json:"details,omitempty"`
}

// New builds an envelope with a fresh UUID and the current unix-ms
// timestamp. The details type must match t; mismatches are programmer
// errors surfaced at encode time by the codec.
func New(t Type, sender string, details Details) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Sender:    sender,
		Details:   details,
	}
}

// AgentInfoDetails announces an agent's presence and capabilities.
type AgentInfoDetails struct {
	AgentID         string   `json:"agentId"`
	TopicID         string   `json:"topicId"`
	Capabilities    []string `json:"capabilities"`
	Description     string   `json:"description,omitempty"`
	Status          string   `json:"status,omitempty"`
	ProtocolVersion string   `json:"protocolVersion,omitempty"`
}

func (*AgentInfoDetails) envelopeType() Type { return TypeAgentInfo }

// AgentVerificationDetails reports the advisory verification outcome
// for another agent. Verification never mutates registry state.
type AgentVerificationDetails struct {
	VerifiedAgentID    string `json:"verifiedAgentId"`
	VerificationResult bool   `json:"verificationResult"`
}

func (*AgentVerificationDetails) envelopeType() Type { return TypeAgentVerification }

// RequestDetails carries a correlated request. Connection handshake
// operations travel as requests with the actions "connection_request"
// and "close_connection".
type RequestDetails struct {
	RequestID string         `json:"requestId"`
	Action    string         `json:"action,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (*RequestDetails) envelopeType() Type { return TypeRequest }

// ResponseDetails answers a request by id.
type ResponseDetails struct {
	RequestID string         `json:"requestId"`
	Data      map[string]any `json:"data,omitempty"`
}

func (*ResponseDetails) envelopeType() Type { return TypeResponse }

// RebalanceProposalDetails publishes a weighted-allocation proposal.
type RebalanceProposalDetails struct {
	ProposalID   string             `json:"proposalId"`
	NewWeights   map[string]float64 `json:"newWeights"`
	Trigger      string             `json:"trigger"`
	ExecuteAfter int64              `json:"executeAfter,omitempty"`
	Quorum       float64            `json:"quorum,omitempty"`
}

func (*RebalanceProposalDetails) envelopeType() Type { return TypeRebalanceProposal }

// RebalanceApprovedDetails approves a proposal. Weight is the approval
// weight contributed by the sender; zero is read as 1.
type RebalanceApprovedDetails struct {
	ProposalID string  `json:"proposalId"`
	ApprovedAt int64   `json:"approvedAt"`
	Weight     float64 `json:"weight,omitempty"`
}

func (*RebalanceApprovedDetails) envelopeType() Type { return TypeRebalanceApproved }

// RebalanceExecutedDetails is the execution receipt.
type RebalanceExecutedDetails struct {
	ProposalID   string             `json:"proposalId"`
	PreBalances  map[string]float64 `json:"preBalances"`
	PostBalances map[string]float64 `json:"postBalances"`
	ExecutedAt   int64              `json:"executedAt"`
	Failures     []string           `json:"failures,omitempty"`
}

func (*RebalanceExecutedDetails) envelopeType() Type { return TypeRebalanceExecuted }

// RiskAlertDetails signals elevated risk for a set of tokens.
type RiskAlertDetails struct {
	Severity       string   `json:"severity"`
	AffectedTokens []string `json:"affectedTokens"`
	Description    string   `json:"description,omitempty"`
}

func (*RiskAlertDetails) envelopeType() Type { return TypeRiskAlert }

// PriceUpdateDetails delivers a market price observation.
type PriceUpdateDetails struct {
	Asset     string  `json:"tokenId"`
	Price     float64 `json:"price"`
	Source    string  `json:"source,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

func (*PriceUpdateDetails) envelopeType() Type { return TypePriceUpdate }

// Typed accessors. Each returns the concrete details or an error when
// the envelope carries a different kind (or no details at all).

func (e *Envelope) AgentInfo() (*AgentInfoDetails, error) {
	d, ok := e.Details.(*AgentInfoDetails)
	if !ok {
		return nil, detailsMismatch(e, TypeAgentInfo)
	}
	return d, nil
}

func (e *Envelope) AgentVerification() (*AgentVerificationDetails, error) {
	d, ok := e.Details.(*AgentVerificationDetails)
	if !ok {
		return nil, detailsMismatch(e, TypeAgentVerification)
	}
	return d, nil
}

func (e *Envelope) Request() (*RequestDetails, error) {
	d, ok := e.Details.(*RequestDetails)
	if !ok {
		return nil, detailsMismatch(e, TypeRequest)
	}
	return d, nil
}

func (e *Envelope) Response() (*ResponseDetails, error) {
	d, ok := e.Details.(*ResponseDetails)
	if !ok {
		return nil, detailsMismatch(e, TypeResponse)
	}
	return d, nil
}

func (e *Envelope) RebalanceProposal() (*RebalanceProposalDetails, error) {
	d, ok := e.Details.(*RebalanceProposalDetails)
	if !ok {
		return nil, detailsMismatch(e, TypeRebalanceProposal)
	}
	return d, nil
}

func (e *Envelope) RebalanceApproved() (*RebalanceApprovedDetails, error) {
	d, ok := e.Details.(*RebalanceApprovedDetails)
	if !ok {
		return nil, detailsMismatch(e, TypeRebalanceApproved)
	}
	return d, nil
}

func (e *Envelope) RebalanceExecuted() (*RebalanceExecutedDetails, error) {
	d, ok := e.Details.(*RebalanceExecutedDetails)
	if !ok {
		return nil, detailsMismatch(e, TypeRebalanceExecuted)
	}
	return d, nil
}

func (e *Envelope) RiskAlert() (*RiskAlertDetails, error) {
	d, ok := e.Details.(*RiskAlertDetails)
	if !ok {
		return nil, detailsMismatch(e, TypeRiskAlert)
	}
	return d, nil
}

func (e *Envelope) PriceUpdate() (*PriceUpdateDetails, error) {
	d, ok := e.Details.(*PriceUpdateDetails)
	if !ok {
		return nil, detailsMismatch(e, TypePriceUpdate)
	}
	return d, nil
}

func detailsMismatch(e *Envelope, want Type) error {
	return fmt.Errorf("envelope %s: details are not %s (type %s)", e.ID, want, e.Type)
}
