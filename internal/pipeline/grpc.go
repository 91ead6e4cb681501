package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/flink-harness/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ============================================================================
// ControlPlane gRPC service
// ============================================================================
//
// A control-plane agent running next to the cluster exposes the Client
// operations over gRPC. Requests and responses are google.protobuf.Struct so
// no generated stubs are needed. The credential travels in the
// "authorization" metadata key.

const controlPlaneService = "flinkharness.pipeline.v1.ControlPlane"

const authMetadataKey = "authorization"

// GRPCClient implements Client against a ControlPlane agent.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

// NewGRPCClient wraps an established connection.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

func (c *GRPCClient) invoke(ctx context.Context, cred types.Credential, method string, req map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	if auth := cred.AuthorizationHeader(); auth != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authMetadataKey, auth)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+controlPlaneService+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Start implements Client.
func (c *GRPCClient) Start(ctx context.Context, cred types.Credential, params StartParams) (string, error) {
	props := make(map[string]interface{}, len(params.Properties))
	for k, v := range params.Properties {
		props[k] = v
	}
	out, err := c.invoke(ctx, cred, "Start", map[string]interface{}{
		"artifactId":        params.ArtifactID,
		"entryClass":        params.EntryClass,
		"parallelism":       float64(params.Parallelism),
		"input":             params.Channels.Input,
		"output":            params.Channels.Output,
		"notification":      params.Channels.Notification,
		"invalid":           params.Channels.Invalid,
		"completionDelayMs": float64(params.CompletionDelay.Milliseconds()),
		"properties":        props,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start pipeline: %w", err)
	}
	runID := out.GetFields()["runId"].GetStringValue()
	if runID == "" {
		return "", fmt.Errorf("failed to start pipeline: empty run id in response")
	}
	return runID, nil
}

// Stop implements Client.
func (c *GRPCClient) Stop(ctx context.Context, cred types.Credential, runID string) error {
	if _, err := c.invoke(ctx, cred, "Stop", map[string]interface{}{"runId": runID}); err != nil {
		return fmt.Errorf("failed to stop pipeline run %s: %w", runID, err)
	}
	return nil
}

// State implements Client.
func (c *GRPCClient) State(ctx context.Context, cred types.Credential, runID string) (types.PipelineState, error) {
	out, err := c.invoke(ctx, cred, "State", map[string]interface{}{"runId": runID})
	if err != nil {
		return "", fmt.Errorf("failed to get state of pipeline run %s: %w", runID, err)
	}
	return types.PipelineState(out.GetFields()["state"].GetStringValue()), nil
}

// Exceptions implements Client.
func (c *GRPCClient) Exceptions(ctx context.Context, cred types.Credential, runID string) (types.Exceptions, error) {
	out, err := c.invoke(ctx, cred, "Exceptions", map[string]interface{}{"runId": runID})
	if err != nil {
		return types.Exceptions{}, fmt.Errorf("failed to get pipeline exceptions: %w", err)
	}
	f := out.GetFields()
	exc := types.Exceptions{
		RootException: f["rootException"].GetStringValue(),
		Timestamp:     int64(f["timestamp"].GetNumberValue()),
	}
	for _, v := range f["allExceptions"].GetListValue().GetValues() {
		exc.AllExceptions = append(exc.AllExceptions, v.GetStringValue())
	}
	return exc, nil
}

// Checkpoints implements Client.
func (c *GRPCClient) Checkpoints(ctx context.Context, cred types.Credential, runID string) (types.Checkpoints, error) {
	out, err := c.invoke(ctx, cred, "Checkpoints", map[string]interface{}{"runId": runID})
	if err != nil {
		return types.Checkpoints{}, fmt.Errorf("failed to get pipeline checkpoints: %w", err)
	}
	f := out.GetFields()
	count := func(k string) int { return int(f[k].GetNumberValue()) }
	return types.Checkpoints{Counts: types.CheckpointCounts{
		Restored:   count("restored"),
		Total:      count("total"),
		InProgress: count("inProgress"),
		Completed:  count("completed"),
		Failed:     count("failed"),
	}}, nil
}

// ============================================================================
// Server side
// ============================================================================

// controlPlaneServer adapts any Client (usually a RESTClient) to the service.
type controlPlaneServer struct {
	backend Client
}

// RegisterControlPlaneServer exposes backend on s.
func RegisterControlPlaneServer(s grpc.ServiceRegistrar, backend Client) {
	s.RegisterService(&controlPlaneServiceDesc, &controlPlaneServer{backend: backend})
}

func credentialFrom(ctx context.Context) types.Credential {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(authMetadataKey)
	if len(vals) == 0 {
		return ""
	}
	return types.Credential(strings.TrimPrefix(vals[0], "Bearer "))
}

func runIDFrom(req *structpb.Struct) (string, error) {
	runID := req.GetFields()["runId"].GetStringValue()
	if runID == "" {
		return "", status.Error(codes.InvalidArgument, "runId is required")
	}
	return runID, nil
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Unavailable, err.Error())
}

func (s *controlPlaneServer) start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	params := StartParams{
		ArtifactID:  f["artifactId"].GetStringValue(),
		EntryClass:  f["entryClass"].GetStringValue(),
		Parallelism: int(f["parallelism"].GetNumberValue()),
		Channels: types.Channels{
			Input:        f["input"].GetStringValue(),
			Output:       f["output"].GetStringValue(),
			Notification: f["notification"].GetStringValue(),
			Invalid:      f["invalid"].GetStringValue(),
		},
		CompletionDelay: time.Duration(f["completionDelayMs"].GetNumberValue()) * time.Millisecond,
	}
	if props := f["properties"].GetStructValue().GetFields(); len(props) > 0 {
		params.Properties = make(map[string]string, len(props))
		for k, v := range props {
			params.Properties[k] = v.GetStringValue()
		}
	}
	if params.ArtifactID == "" || params.Channels.Input == "" {
		return nil, status.Error(codes.InvalidArgument, "artifactId and input are required")
	}

	runID, err := s.backend.Start(ctx, credentialFrom(ctx), params)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{"runId": runID})
}

func (s *controlPlaneServer) stop(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID, err := runIDFrom(req)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Stop(ctx, credentialFrom(ctx), runID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *controlPlaneServer) state(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID, err := runIDFrom(req)
	if err != nil {
		return nil, err
	}
	st, err := s.backend.State(ctx, credentialFrom(ctx), runID)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{"state": string(st)})
}

func (s *controlPlaneServer) exceptions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID, err := runIDFrom(req)
	if err != nil {
		return nil, err
	}
	exc, err := s.backend.Exceptions(ctx, credentialFrom(ctx), runID)
	if err != nil {
		return nil, toStatus(err)
	}
	all := make([]interface{}, len(exc.AllExceptions))
	for i, e := range exc.AllExceptions {
		all[i] = e
	}
	return structpb.NewStruct(map[string]interface{}{
		"rootException": exc.RootException,
		"timestamp":     float64(exc.Timestamp),
		"allExceptions": all,
	})
}

func (s *controlPlaneServer) checkpoints(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID, err := runIDFrom(req)
	if err != nil {
		return nil, err
	}
	cp, err := s.backend.Checkpoints(ctx, credentialFrom(ctx), runID)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"restored":   float64(cp.Counts.Restored),
		"total":      float64(cp.Counts.Total),
		"inProgress": float64(cp.Counts.InProgress),
		"completed":  float64(cp.Counts.Completed),
		"failed":     float64(cp.Counts.Failed),
	})
}

type unaryMethod func(*controlPlaneServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, m unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*controlPlaneServer)
			if interceptor == nil {
				return m(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + controlPlaneService + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return m(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var controlPlaneServiceDesc = grpc.ServiceDesc{
	ServiceName: controlPlaneService,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Start", (*controlPlaneServer).start),
		unaryHandler("Stop", (*controlPlaneServer).stop),
		unaryHandler("State", (*controlPlaneServer).state),
		unaryHandler("Exceptions", (*controlPlaneServer).exceptions),
		unaryHandler("Checkpoints", (*controlPlaneServer).checkpoints),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flinkharness/pipeline/v1/control_plane.proto",
}
