package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentIdentity describes this agent to the control plane
type AgentIdentity struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	OSDescription string   `json:"osDescription"`
	Ephemeral     bool     `json:"ephemeral,omitempty"`
	Labels        []string `json:"labels,omitempty"`
}

// EncryptionKey is the symmetric key used to decrypt message bodies
type EncryptionKey struct {
	Encrypted bool   `json:"encrypted"`
	Value     []byte `json:"value"`
}

// Session is an authenticated polling channel held by one agent
type Session struct {
	SessionID          string         `json:"sessionId"`
	OwnerName          string         `json:"ownerName"`
	Agent              AgentIdentity  `json:"agent"`
	EncryptionKey      *EncryptionKey `json:"encryptionKey,omitempty"`
	BrokerMigrationURL string         `json:"brokerMigrationUrl,omitempty"`
	UseBrokerFlow      bool           `json:"useBrokerFlow,omitempty"`
}

// MessageType identifies the payload carried by a Message
type MessageType string

const (
	MessageJobRequest        MessageType = "job.request"
	MessageJobCancel         MessageType = "job.cancel"
	MessageCredentialRefresh MessageType = "credential.refresh"
	MessageAgentUpdate       MessageType = "agent.update"
	MessageConfigRefresh     MessageType = "config.refresh"
	MessageSessionMigrate    MessageType = "session.migrate"
	MessageShutdownRequest   MessageType = "shutdown.request"
)

// Message is one communication retrieved from the control plane
type Message struct {
	MessageID   int64       `json:"messageId"`
	MessageType MessageType `json:"messageType"`
	Body        string      `json:"body"`
	IV          []byte      `json:"iv,omitempty"`
}

// DecodeBody unmarshals the (already decrypted) message body into v.
func (m *Message) DecodeBody(v any) error {
	if err := json.Unmarshal([]byte(m.Body), v); err != nil {
		return fmt.Errorf("decoding %s message %d: %w", m.MessageType, m.MessageID, err)
	}
	return nil
}

// JobStep is one shell step of a job, executed by the bundled worker
type JobStep struct {
	Name string `json:"name"`
	Run  string `json:"run"`
}

// JobRequestMessage asks the agent to run a job
type JobRequestMessage struct {
	JobID          string            `json:"jobId"`
	JobDisplayName string            `json:"jobDisplayName"`
	RequestID      int64             `json:"requestId"`
	PoolID         int64             `json:"poolId"`
	PlanID         string            `json:"planId"`
	LockToken      string            `json:"lockToken"`
	Steps          []JobStep         `json:"steps,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// JobCancelMessage asks the agent to cancel a running job
type JobCancelMessage struct {
	JobID   string        `json:"jobId"`
	Timeout time.Duration `json:"timeout"`
}

// AgentRefreshMessage asks the agent to update itself
type AgentRefreshMessage struct {
	AgentID       int64         `json:"agentId"`
	TargetVersion string        `json:"targetVersion"`
	Timeout       time.Duration `json:"timeout"`
}

// ConfigRefreshMessage carries replacement settings for the agent
type ConfigRefreshMessage struct {
	ConfigType string `json:"configType"` // "settings" or "credentials"
	Content    string `json:"content"`
}

// SessionMigrationMessage redirects polling to a broker endpoint
type SessionMigrationMessage struct {
	BrokerURL string `json:"brokerUrl"`
	SessionID string `json:"sessionId,omitempty"`
}

// ShutdownRequestMessage asks the agent to shut down
type ShutdownRequestMessage struct {
	Reason string `json:"reason"`
}

// AgentStatus is reported with every poll
type AgentStatus string

const (
	AgentStatusOnline AgentStatus = "online"
	AgentStatusBusy   AgentStatus = "busy"
)

// JobRequest is the control plane's view of a job lease
type JobRequest struct {
	RequestID   int64       `json:"requestId"`
	PoolID      int64       `json:"poolId"`
	JobID       string      `json:"jobId"`
	LockToken   string      `json:"lockToken"`
	LockedUntil time.Time   `json:"lockedUntil"`
	FinishTime  *time.Time  `json:"finishTime,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
}

// PackageMetadata describes a downloadable agent package
type PackageMetadata struct {
	Type        string `json:"type"`
	Platform    string `json:"platform"`
	Version     string `json:"version"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"downloadUrl"`
	HashValue   string `json:"hashValue,omitempty"`
	Token       string `json:"token,omitempty"`
}

// IssueType classifies a timeline issue
type IssueType string

const (
	IssueError   IssueType = "error"
	IssueWarning IssueType = "warning"
)

// Issue is attached to a job's timeline
type Issue struct {
	Type    IssueType         `json:"type"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// JobRecord is the locally persisted outcome of one job
type JobRecord struct {
	JobID      string     `json:"jobId"`
	RequestID  int64      `json:"requestId"`
	Name       string     `json:"name"`
	Result     TaskResult `json:"result"`
	ExitCode   int        `json:"exitCode"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
}
