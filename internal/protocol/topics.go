package protocol

// Event topics carried in Message.Op.
const (
	TopicConnectionReady = "connection.ready"
	TopicTaskStatus      = "task.status"
	TopicTaskPriority    = "task.priority"
	TopicTaskProposals   = "task.proposals"
	TopicProposalStatus  = "proposal.status"
	TopicTaskMaintenance = "task.maintenance"
	TopicTaskTestResult  = "task.test_result"
	TopicTaskList        = "task.list"
	TopicTaskCleared     = "task.cleared"
	TopicFileContent     = "file.content"
	TopicSelfTestResult  = "selftest.result"
	TopicUploadResult    = "upload.result"
	TopicLogUpdate       = "log.update"
)

// TaskScoped reports whether events on topic must carry a valid task_id.
func TaskScoped(topic string) bool {
	switch topic {
	case TopicTaskStatus, TopicTaskPriority, TopicTaskProposals, TopicProposalStatus, TopicTaskMaintenance, TopicTaskTestResult, TopicFileContent:
		return true
	default:
		return false
	}
}

// Severities carried by log.update events and feed entries.
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)
