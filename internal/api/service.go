// Package api exposes the archive daemon over gRPC. Messages travel as
// google.protobuf.Struct values holding the JSON form of the types in this
// package.
package api

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/progress"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "chatvault.v1.Archive"

const (
	MethodGetStatus     = "GetStatus"
	MethodStartSync     = "StartSync"
	MethodStartEmbed    = "StartEmbed"
	MethodSearch        = "Search"
	MethodListJobs      = "ListJobs"
	MethodGetJob        = "GetJob"
	MethodCancelJob     = "CancelJob"
	MethodGetCursor     = "GetCursor"
	MethodRemoveChat    = "RemoveChat"
	MethodAddToFolder   = "AddToFolder"
	MethodListChats     = "ListChats"
	MethodWatchProgress = "WatchProgress"
)

func fullMethod(m string) string { return "/" + ServiceName + "/" + m }

// Backend is the daemon functionality served over the API.
type Backend interface {
	Status(ctx context.Context) (StatusResponse, error)
	StartSync(ctx context.Context, req SyncRequest) (JobRef, error)
	StartEmbed(ctx context.Context, req EmbedRequest) (JobRef, error)
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
	ListJobs(ctx context.Context, req ListJobsRequest) (ListJobsResponse, error)
	GetJob(ctx context.Context, ref JobRef) (Job, error)
	CancelJob(ctx context.Context, ref JobRef) error
	GetCursor(ctx context.Context, ref ChatRef) (CursorResponse, error)
	RemoveChat(ctx context.Context, ref ChatRef) (RemoveChatResponse, error)
	AddToFolder(ctx context.Context, req FolderRequest) error
	ListChats(ctx context.Context) (ListChatsResponse, error)
}

// ArchiveServer is the server side of chatvault.v1.Archive.
type ArchiveServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartEmbed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCursor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddToFolder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchProgress(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(ArchiveServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ArchiveServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ArchiveServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ArchiveServer).WatchProgress(in, stream)
}

// ServiceDesc describes chatvault.v1.Archive.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ArchiveServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ArchiveServer.GetStatus),
		unary(MethodStartSync, ArchiveServer.StartSync),
		unary(MethodStartEmbed, ArchiveServer.StartEmbed),
		unary(MethodSearch, ArchiveServer.Search),
		unary(MethodListJobs, ArchiveServer.ListJobs),
		unary(MethodGetJob, ArchiveServer.GetJob),
		unary(MethodCancelJob, ArchiveServer.CancelJob),
		unary(MethodGetCursor, ArchiveServer.GetCursor),
		unary(MethodRemoveChat, ArchiveServer.RemoveChat),
		unary(MethodAddToFolder, ArchiveServer.AddToFolder),
		unary(MethodListChats, ArchiveServer.ListChats),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    MethodWatchProgress,
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "chatvault/v1/archive.proto",
}

// RegisterArchiveServer registers srv on s.
func RegisterArchiveServer(s grpc.ServiceRegistrar, srv ArchiveServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Server adapts a Backend to ArchiveServer.
type Server struct {
	backend Backend
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewServer creates the API server.
func NewServer(backend Backend, b *bus.Bus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{backend: backend, bus: b, logger: logger}
}

// handle decodes the request, runs fn and encodes its result.
func handle[Req, Resp any](ctx context.Context, in *structpb.Struct, fn func(context.Context, Req) (Resp, error)) (*structpb.Struct, error) {
	var req Req
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := fn(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encode(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) GetStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, func(ctx context.Context, _ Empty) (StatusResponse, error) {
		return s.backend.Status(ctx)
	})
}

func (s *Server) StartSync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, func(ctx context.Context, req SyncRequest) (JobRef, error) {
		if req.ChatID == 0 {
			return JobRef{}, invalidf("chat_id is required")
		}
		return s.backend.StartSync(ctx, req)
	})
}

func (s *Server) StartEmbed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, func(ctx context.Context, req EmbedRequest) (JobRef, error) {
		if req.ChatID == 0 {
			return JobRef{}, invalidf("chat_id is required")
		}
		return s.backend.StartEmbed(ctx, req)
	})
}

func (s *Server) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.backend.Search)
}

func (s *Server) ListJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.backend.ListJobs)
}

func (s *Server) GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.backend.GetJob)
}

func (s *Server) CancelJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, func(ctx context.Context, ref JobRef) (Empty, error) {
		return Empty{}, s.backend.CancelJob(ctx, ref)
	})
}

func (s *Server) GetCursor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.backend.GetCursor)
}

func (s *Server) RemoveChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.backend.RemoveChat)
}

func (s *Server) AddToFolder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, func(ctx context.Context, req FolderRequest) (Empty, error) {
		if req.Folder == "" || len(req.ChatIDs) == 0 {
			return Empty{}, invalidf("folder and chat_ids are required")
		}
		return Empty{}, s.backend.AddToFolder(ctx, req)
	})
}

func (s *Server) ListChats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, func(ctx context.Context, _ Empty) (ListChatsResponse, error) {
		return s.backend.ListChats(ctx)
	})
}

// WatchProgress streams job progress events.
func (s *Server) WatchProgress(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	// Subscribe before looking at the job so its terminal event cannot slip
	// between the two.
	ch, unsub := s.bus.Subscribe(256, bus.KindJobProgress)
	defer unsub()

	if req.JobID != "" {
		job, err := s.backend.GetJob(ctx, JobRef{JobID: req.JobID})
		if err != nil {
			return toStatus(err)
		}
		if job.Status != string(progress.StatusRunning) {
			return s.send(stream, finishedEvent(job))
		}
	}

	for {
		select {
		case evt := <-ch:
			pe, ok := evt.Payload.(progress.Event)
			if !ok {
				continue
			}
			if req.JobID != "" && pe.JobID != req.JobID {
				continue
			}
			if err := s.send(stream, fromProgress(pe)); err != nil {
				return err
			}
			if req.JobID != "" && pe.Terminal() {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) send(stream grpc.ServerStream, e ProgressEvent) error {
	out, err := encode(e)
	if err != nil {
		s.logger.Warn("encode progress event", zap.Error(err))
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(out)
}

func fromProgress(e progress.Event) ProgressEvent {
	return ProgressEvent{
		JobID:     e.JobID,
		Job:       string(e.Job),
		Percent:   e.Percent,
		Message:   e.Message,
		Metadata:  e.Metadata,
		Status:    string(e.Status),
		Result:    string(e.Result),
		Timestamp: e.Timestamp,
	}
}

func finishedEvent(j Job) ProgressEvent {
	msg := j.Error
	if msg == "" {
		msg = j.Kind + " finished"
	}
	meta := map[string]any{
		"total":     j.Total,
		"processed": j.Processed,
		"failed":    j.Failed,
	}
	for k, v := range j.Metadata {
		meta[k] = v
	}
	return ProgressEvent{
		JobID:    j.ID,
		Job:      j.Kind,
		Percent:  100,
		Message:  msg,
		Metadata: meta,
		Status:   j.Status,
		Result:   j.Result,
	}
}
