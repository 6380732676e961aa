package controlplane

import (
	"context"

	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/grpc"
)

// Server is the control-plane service as seen by the agent. The agent
// never serves it in production; the interface exists so integration
// tests and local development stubs can stand up a real gRPC endpoint.
type Server interface {
	CreateSession(context.Context, *CreateSessionRequest) (*types.Session, error)
	DeleteSession(context.Context, *DeleteSessionRequest) (*Empty, error)
	GetMessage(context.Context, *GetMessageRequest) (*GetMessageResponse, error)
	DeleteMessage(context.Context, *DeleteMessageRequest) (*Empty, error)
	RenewJobRequest(context.Context, *RenewRequest) (*types.JobRequest, error)
	FinishJobRequest(context.Context, *FinishRequest) (*Empty, error)
	GetJobRequest(context.Context, *JobRequestQuery) (*types.JobRequest, error)
	GetPackage(context.Context, *PackageQuery) (*types.PackageMetadata, error)
	UpdateAgentUpdateState(context.Context, *UpdateStateRequest) (*Empty, error)
	AppendTimelineIssue(context.Context, *TimelineIssueRequest) (*Empty, error)
	UploadStepLog(context.Context, *StepLogRequest) (*Empty, error)
}

// RegisterServer registers srv on s. Clients must use the JSON codec,
// which NewClient selects automatically.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes burrow.v1.ControlPlane.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateSession, Server.CreateSession),
		unary(MethodDeleteSession, Server.DeleteSession),
		unary(MethodGetMessage, Server.GetMessage),
		unary(MethodDeleteMessage, Server.DeleteMessage),
		unary(MethodRenewJobRequest, Server.RenewJobRequest),
		unary(MethodFinishJobRequest, Server.FinishJobRequest),
		unary(MethodGetJobRequest, Server.GetJobRequest),
		unary(MethodGetPackage, Server.GetPackage),
		unary(MethodUpdateAgentUpdateState, Server.UpdateAgentUpdateState),
		unary(MethodAppendTimelineIssue, Server.AppendTimelineIssue),
		unary(MethodUploadStepLog, Server.UploadStepLog),
	},
	Metadata: "burrow/v1/controlplane",
}

func unary[Req, Resp any](name string, call func(Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(Server), ctx, req.(*Req))
			})
		},
	}
}
