package controlplane

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "burrow.v1.ControlPlane"

// Method names
const (
	MethodCreateSession          = "CreateSession"
	MethodDeleteSession          = "DeleteSession"
	MethodGetMessage             = "GetMessage"
	MethodDeleteMessage          = "DeleteMessage"
	MethodRenewJobRequest        = "RenewJobRequest"
	MethodFinishJobRequest       = "FinishJobRequest"
	MethodGetJobRequest          = "GetJobRequest"
	MethodGetPackage             = "GetPackage"
	MethodUpdateAgentUpdateState = "UpdateAgentUpdateState"
	MethodAppendTimelineIssue    = "AppendTimelineIssue"
	MethodUploadStepLog          = "UploadStepLog"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Empty is returned by calls without a payload
type Empty struct{}

type CreateSessionRequest struct {
	PoolID  int64          `json:"poolId"`
	Session *types.Session `json:"session"`
}

type DeleteSessionRequest struct {
	PoolID    int64  `json:"poolId"`
	SessionID string `json:"sessionId"`
}

// GetMessageRequest is a long poll for the next message
type GetMessageRequest struct {
	PoolID          int64             `json:"poolId"`
	SessionID       string            `json:"sessionId"`
	LastMessageID   int64             `json:"lastMessageId,omitempty"`
	Status          types.AgentStatus `json:"status"`
	AgentVersion    string            `json:"agentVersion"`
	OS              string            `json:"os"`
	OSArch          string            `json:"osArch"`
	UpdatesDisabled bool              `json:"updatesDisabled"`
}

// GetMessageResponse carries a nil Message when the poll timed out
type GetMessageResponse struct {
	Message *types.Message `json:"message,omitempty"`
}

type DeleteMessageRequest struct {
	PoolID    int64  `json:"poolId"`
	MessageID int64  `json:"messageId"`
	SessionID string `json:"sessionId"`
}

type RenewRequest struct {
	PoolID    int64  `json:"poolId"`
	RequestID int64  `json:"requestId"`
	LockToken string `json:"lockToken"`
}

type FinishRequest struct {
	PoolID     int64            `json:"poolId"`
	RequestID  int64            `json:"requestId"`
	LockToken  string           `json:"lockToken"`
	FinishTime time.Time        `json:"finishTime"`
	Result     types.TaskResult `json:"result"`
}

type JobRequestQuery struct {
	PoolID    int64 `json:"poolId"`
	RequestID int64 `json:"requestId"`
}

// PackageQuery asks for an agent package; an empty Version means latest
type PackageQuery struct {
	PackageType string `json:"packageType"`
	Platform    string `json:"platform"`
	Version     string `json:"version,omitempty"`
}

type UpdateStateRequest struct {
	PoolID       int64  `json:"poolId"`
	AgentID      int64  `json:"agentId"`
	CurrentState string `json:"currentState"`
	Trace        string `json:"trace,omitempty"`
}

type TimelineIssueRequest struct {
	PlanID string      `json:"planId"`
	JobID  string      `json:"jobId"`
	Issue  types.Issue `json:"issue"`
}

type StepLogRequest struct {
	PlanID  string `json:"planId"`
	JobID   string `json:"jobId"`
	Name    string `json:"name"`
	Content []byte `json:"content"`
}
