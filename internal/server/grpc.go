// ============================================================================
// fedqueue Server - gRPC 入隊服務與 HTTP 管理介面
// ============================================================================
//
// Package: internal/server
// 文件: grpc.go
//
// gRPC 服務 fedqueue.v1.JobService 只使用 protobuf well-known types：
//
//   Enqueue(google.protobuf.Struct{kind, payload}) → Struct{id, kind}
//   Stats(google.protobuf.Empty)                   → Struct（dispatcher.Status）
//
// payload 在邊界就以 types.DecodePayload 嚴格驗證，不合法的請求回傳
// InvalidArgument，不會進入佇列。
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fedqueue/internal/dispatcher"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

const (
	serviceName   = "fedqueue.v1.JobService"
	enqueueMethod = "/" + serviceName + "/Enqueue"
	statsMethod   = "/" + serviceName + "/Stats"
)

// Jobs 由 dispatcher.Dispatcher 實作
type Jobs interface {
	EnqueueRaw(ctx context.Context, kind types.Kind, raw json.RawMessage) (types.Job, error)
	Status(ctx context.Context) dispatcher.Status
	DeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error)
}

// JobServiceServer 是 fedqueue.v1.JobService 的服務端介面
type JobServiceServer interface {
	Enqueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stats(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// JobServiceDesc 手寫的 ServiceDesc（訊息全是 well-known types，不需要 protoc）
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enqueue", Handler: enqueueHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fedqueue/v1/jobs.proto",
}

func enqueueHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).Enqueue(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: enqueueMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).Enqueue(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// JobService 實作 JobServiceServer
type JobService struct {
	jobs   Jobs
	logger *zap.Logger
}

func NewJobService(jobs Jobs, logger *zap.Logger) *JobService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobService{jobs: jobs, logger: logger.Named("grpc")}
}

// Enqueue 驗證並入隊一個任務
func (s *JobService) Enqueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind := req.GetFields()["kind"].GetStringValue()
	if kind == "" {
		return nil, status.Error(codes.InvalidArgument, "kind is required")
	}
	payload := req.GetFields()["payload"]
	if payload == nil {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	raw, err := payload.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
	}

	job, err := s.jobs.EnqueueRaw(ctx, types.Kind(kind), raw)
	if err != nil {
		return nil, enqueueStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"id":   string(job.ID),
		"kind": string(job.Kind),
	})
}

// Stats 回傳 dispatcher 狀態
func (s *JobService) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := toStruct(s.jobs.Status(ctx))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return st, nil
}

func enqueueStatus(err error) error {
	if errors.Is(err, types.ErrMalformedPayload) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}

// toStruct 經由 JSON 轉成 Struct，欄位名稱與 HTTP API 相同
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	st := new(structpb.Struct)
	if err := st.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return st, nil
}

// loggingInterceptor 記錄每個 RPC 的方法、耗時與狀態碼
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("rpc",
			zap.String("method", info.FullMethod),
			zap.Duration("latency", time.Since(start)),
			zap.Stringer("code", status.Code(err)))
		return resp, err
	}
}

// NewGRPCServer 建立已註冊 JobService 的 grpc.Server
func NewGRPCServer(jobs Jobs, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := NewJobService(jobs, logger)
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(svc.logger)))
	s.RegisterService(&JobServiceDesc, svc)
	return s
}

// ServeGRPC 在 addr 上啟動 gRPC；ctx 結束時 GracefulStop
func ServeGRPC(ctx context.Context, s *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
