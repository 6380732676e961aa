package controlplane

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/credentials"
	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/grpc"
	grpccreds "google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to the control plane over gRPC. It is safe for concurrent
// use; Retarget and Refresh swap the underlying connection under a lock.
type Client struct {
	creds credentials.Provider
	extra []grpc.DialOption

	mu     sync.RWMutex
	target string
	conn   *grpc.ClientConn
}

// NewClient connects to serverURL. Accepted forms are https://host[:port]
// (TLS, default port 443), http://host:port and bare host:port (plaintext).
// Extra dial options are appended, which tests use to inject a bufconn
// dialer.
func NewClient(serverURL string, creds credentials.Provider, opts ...grpc.DialOption) (*Client, error) {
	c := &Client{creds: creds, extra: opts}
	if err := c.Retarget(serverURL); err != nil {
		return nil, err
	}
	return c, nil
}

// Retarget replaces the connection with one to serverURL. Used when the
// session migrates to a broker endpoint.
func (c *Client) Retarget(serverURL string) error {
	conn, err := c.dial(serverURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.target = serverURL
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Refresh drops cached credentials and re-establishes the connection to
// the current target.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.RLock()
	c.creds.Invalidate()
	target := c.target
	c.mu.RUnlock()
	return c.Retarget(target)
}

// SetCredentials replaces the credential provider and reconnects with it.
func (c *Client) SetCredentials(creds credentials.Provider) error {
	c.mu.Lock()
	c.creds = creds
	target := c.target
	c.mu.Unlock()
	return c.Retarget(target)
}

// Clone returns a client with its own connection to the current target,
// sharing the credential provider and dial options. Refreshing or
// retargeting either client leaves the other's in-flight calls alone.
func (c *Client) Clone() (*Client, error) {
	c.mu.RLock()
	clone := &Client{creds: c.creds, extra: c.extra}
	target := c.target
	c.mu.RUnlock()
	if err := clone.Retarget(target); err != nil {
		return nil, err
	}
	return clone, nil
}

// Target returns the server URL the client is connected to.
func (c *Client) Target() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) dial(serverURL string) (*grpc.ClientConn, error) {
	target, secure, err := parseTarget(serverURL)
	if err != nil {
		return nil, err
	}

	transport := insecure.NewCredentials()
	if secure {
		transport = grpccreds.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	c.mu.RLock()
	provider := c.creds
	c.mu.RUnlock()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(transport),
		grpc.WithPerRPCCredentials(&bearer{provider: provider, secure: secure}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	opts = append(opts, c.extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	return conn, nil
}

func parseTarget(serverURL string) (target string, secure bool, err error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		// bare host:port
		return serverURL, false, nil
	}
	switch u.Scheme {
	case "https", "grpcs":
		host := u.Host
		if u.Port() == "" {
			host += ":443"
		}
		return host, true, nil
	case "http", "grpc":
		return u.Host, false, nil
	default:
		return "", false, fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
}

// bearer attaches the provider's token to every call.
type bearer struct {
	provider credentials.Provider
	secure   bool
}

func (b *bearer) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	token, err := b.provider.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

func (b *bearer) RequireTransportSecurity() bool {
	return b.secure
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%s: client is closed", method)
	}
	return fromRPC(method, conn.Invoke(ctx, fullMethod(method), req, resp))
}

// CreateSession opens a polling session for the agent described by s.
func (c *Client) CreateSession(ctx context.Context, poolID int64, s *types.Session) (*types.Session, error) {
	out := new(types.Session)
	if err := c.invoke(ctx, MethodCreateSession, &CreateSessionRequest{PoolID: poolID, Session: s}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteSession(ctx context.Context, poolID int64, sessionID string) error {
	return c.invoke(ctx, MethodDeleteSession, &DeleteSessionRequest{PoolID: poolID, SessionID: sessionID}, &Empty{})
}

// GetMessage long-polls for the next message. A nil message with a nil
// error means the server-side poll interval elapsed without work.
func (c *Client) GetMessage(ctx context.Context, req *GetMessageRequest) (*types.Message, error) {
	out := new(GetMessageResponse)
	if err := c.invoke(ctx, MethodGetMessage, req, out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (c *Client) DeleteMessage(ctx context.Context, poolID, messageID int64, sessionID string) error {
	return c.invoke(ctx, MethodDeleteMessage, &DeleteMessageRequest{PoolID: poolID, MessageID: messageID, SessionID: sessionID}, &Empty{})
}

// RenewJobRequest extends the lease on a job request.
func (c *Client) RenewJobRequest(ctx context.Context, poolID, requestID int64, lockToken string) (*types.JobRequest, error) {
	out := new(types.JobRequest)
	if err := c.invoke(ctx, MethodRenewJobRequest, &RenewRequest{PoolID: poolID, RequestID: requestID, LockToken: lockToken}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FinishJobRequest reports the final result and releases the lease.
func (c *Client) FinishJobRequest(ctx context.Context, poolID, requestID int64, lockToken string, finishTime time.Time, result types.TaskResult) error {
	req := &FinishRequest{
		PoolID:     poolID,
		RequestID:  requestID,
		LockToken:  lockToken,
		FinishTime: finishTime,
		Result:     result,
	}
	return c.invoke(ctx, MethodFinishJobRequest, req, &Empty{})
}

// GetJobRequest returns the control plane's authoritative view of a job.
func (c *Client) GetJobRequest(ctx context.Context, poolID, requestID int64) (*types.JobRequest, error) {
	out := new(types.JobRequest)
	if err := c.invoke(ctx, MethodGetJobRequest, &JobRequestQuery{PoolID: poolID, RequestID: requestID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPackage looks up an agent package. An empty version selects the
// latest available.
func (c *Client) GetPackage(ctx context.Context, packageType, platform, version string) (*types.PackageMetadata, error) {
	out := new(types.PackageMetadata)
	if err := c.invoke(ctx, MethodGetPackage, &PackageQuery{PackageType: packageType, Platform: platform, Version: version}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateAgentUpdateState(ctx context.Context, poolID, agentID int64, state, trace string) error {
	req := &UpdateStateRequest{PoolID: poolID, AgentID: agentID, CurrentState: state, Trace: trace}
	return c.invoke(ctx, MethodUpdateAgentUpdateState, req, &Empty{})
}

func (c *Client) AppendTimelineIssue(ctx context.Context, planID, jobID string, issue types.Issue) error {
	return c.invoke(ctx, MethodAppendTimelineIssue, &TimelineIssueRequest{PlanID: planID, JobID: jobID, Issue: issue}, &Empty{})
}

func (c *Client) UploadStepLog(ctx context.Context, planID, jobID, name string, content []byte) error {
	req := &StepLogRequest{PlanID: planID, JobID: jobID, Name: name, Content: content}
	return c.invoke(ctx, MethodUploadStepLog, req, &Empty{})
}
