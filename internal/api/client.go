package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon over its gRPC connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// Dial connects to the daemon listening on a Unix socket.
func Dial(socketPath string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return conn, nil
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (Resp, error) {
	var resp Resp
	in, err := encode(req)
	if err != nil {
		return resp, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return resp, err
	}
	if err := decode(out, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, MethodGetStatus, Empty{})
}

func (c *Client) StartSync(ctx context.Context, req SyncRequest) (JobRef, error) {
	return invoke[JobRef](ctx, c, MethodStartSync, req)
}

func (c *Client) StartEmbed(ctx context.Context, req EmbedRequest) (JobRef, error) {
	return invoke[JobRef](ctx, c, MethodStartEmbed, req)
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	return invoke[SearchResponse](ctx, c, MethodSearch, req)
}

func (c *Client) ListJobs(ctx context.Context, req ListJobsRequest) (ListJobsResponse, error) {
	return invoke[ListJobsResponse](ctx, c, MethodListJobs, req)
}

func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	return invoke[Job](ctx, c, MethodGetJob, JobRef{JobID: id})
}

func (c *Client) CancelJob(ctx context.Context, id string) error {
	_, err := invoke[Empty](ctx, c, MethodCancelJob, JobRef{JobID: id})
	return err
}

func (c *Client) GetCursor(ctx context.Context, chatID int64) (CursorResponse, error) {
	return invoke[CursorResponse](ctx, c, MethodGetCursor, ChatRef{ChatID: chatID})
}

func (c *Client) RemoveChat(ctx context.Context, chatID int64) (RemoveChatResponse, error) {
	return invoke[RemoveChatResponse](ctx, c, MethodRemoveChat, ChatRef{ChatID: chatID})
}

func (c *Client) AddToFolder(ctx context.Context, folder string, chatIDs ...int64) error {
	_, err := invoke[Empty](ctx, c, MethodAddToFolder, FolderRequest{Folder: folder, ChatIDs: chatIDs})
	return err
}

func (c *Client) ListChats(ctx context.Context) (ListChatsResponse, error) {
	return invoke[ListChatsResponse](ctx, c, MethodListChats, Empty{})
}

var watchStreamDesc = &grpc.StreamDesc{
	StreamName:    MethodWatchProgress,
	ServerStreams: true,
}

// ProgressStream receives progress events from WatchProgress.
type ProgressStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event. It returns io.EOF once the server ends the
// stream.
func (s *ProgressStream) Recv() (ProgressEvent, error) {
	var e ProgressEvent
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return e, err
	}
	err := decode(out, &e)
	return e, err
}

// WatchProgress opens a progress stream. An empty jobID watches every job.
func (c *Client) WatchProgress(ctx context.Context, jobID string) (*ProgressStream, error) {
	stream, err := c.conn.NewStream(ctx, watchStreamDesc, fullMethod(MethodWatchProgress))
	if err != nil {
		return nil, err
	}
	in, err := encode(WatchRequest{JobID: jobID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ProgressStream{stream: stream}, nil
}
