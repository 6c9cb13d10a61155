package message

// Broadcast topics shared by every agent and by the orchestrator.
const (
	TopicStatusUpdate = "cauldron.agent.status.update"
	TopicResult       = "cauldron.agent.result.success"
	TopicError        = "cauldron.agent.error.occurred"
	TopicHITLRequest  = "cauldron.agent.hitl.request"
	TopicHITLResponse = "cauldron.agent.hitl.response"
	TopicKnowledge    = "cauldron.agent.knowledge.shared"
	TopicResource     = "cauldron.agent.resource.request"
	TopicCoordination = "cauldron.agent.coordination.event"
)

const (
	assignPrefix       = "cauldron.agent.task.assign."
	hitlResponsePrefix = "cauldron.agent.hitl.response."
	notifyPrefix       = "cauldron.agent.task.notify."
)

// AssignTopic is the point-to-point topic an agent consumes assignments from.
func AssignTopic(agentID string) string {
	return assignPrefix + agentID
}

// HITLResponseTopic receives human decisions forwarded to one agent.
func HITLResponseTopic(agentID string) string {
	return hitlResponsePrefix + agentID
}

// NotifyTopic receives the aggregated outcome of a parent task owned by one
// agent.
func NotifyTopic(agentID string) string {
	return notifyPrefix + agentID
}

// TopicFor returns the broadcast topic a payload kind is published on by
// agents. Assignments have no broadcast topic and return "".
func TopicFor(kind Kind) string {
	switch kind {
	case KindStatusUpdate:
		return TopicStatusUpdate
	case KindResult:
		return TopicResult
	case KindError:
		return TopicError
	case KindHITLRequest:
		return TopicHITLRequest
	case KindHITLResponse:
		return TopicHITLResponse
	case KindKnowledgeSharing:
		return TopicKnowledge
	case KindResourceRequest:
		return TopicResource
	case KindCoordination:
		return TopicCoordination
	default:
		return ""
	}
}
