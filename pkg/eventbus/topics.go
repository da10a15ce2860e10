package eventbus

// Event types published on the bus by the core components.
const (
	TopicAgentRegistered       = "agent.registered"
	TopicAgentRefreshed        = "agent.refreshed"
	TopicAgentExpired          = "agent.expired"
	TopicAgentVerified         = "agent.verified"
	TopicConnectionEstablished = "connection.established"
	TopicConnectionClosed      = "connection.closed"
	TopicRequestSent           = "request.sent"
	TopicRequestTimeout        = "request.timeout"
	TopicResponseReceived      = "response.received"
	TopicProposalCreated       = "proposal.created"
	TopicProposalApproved      = "proposal.approved"
	TopicProposalExpired       = "proposal.expired"
	TopicRebalanceExecuted     = "rebalance.executed"
	TopicEnvelopeDropped       = "envelope.dropped"
)
