package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/liliang-cn/execd/pkg/task"
)

// Result is a decoded Poll or Watch message.
type Result struct {
	Output string
	Status task.Status
}

// Client calls execd.v1.Exec over an existing connection.
type Client struct {
	conn      grpc.ClientConnInterface
	submitter string
}

// NewClient returns a client submitting as submitter.
func NewClient(conn grpc.ClientConnInterface, submitter string) *Client {
	return &Client{conn: conn, submitter: submitter}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.submitter == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, SubmitterKey, c.submitter)
}

// Submit starts a run and returns its token.
func (c *Client) Submit(ctx context.Context, req *task.TaskRequest) (task.Token, error) {
	in, err := EncodeRequest(req)
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(c.outgoing(ctx), submitMethod, in, out); err != nil {
		return "", err
	}
	return task.Token(out.GetValue()), nil
}

// Poll reads the current output and status of a run.
func (c *Client) Poll(ctx context.Context, token task.Token) (Result, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, pollMethod, wrapperspb.String(string(token)), out); err != nil {
		return Result{}, err
	}
	return decodeResult(out), nil
}

// Watch calls fn with each output increment and returns the terminal
// status.
func (c *Client) Watch(ctx context.Context, token task.Token, fn func(chunk string)) (task.Status, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return task.StatusRunning, err
	}
	if err := stream.SendMsg(wrapperspb.String(string(token))); err != nil {
		return task.StatusRunning, err
	}
	if err := stream.CloseSend(); err != nil {
		return task.StatusRunning, err
	}

	last := task.StatusRunning
	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return last, nil
		}
		if err != nil {
			return last, err
		}
		r := decodeResult(msg)
		if r.Output != "" && fn != nil {
			fn(r.Output)
		}
		last = r.Status
	}
}

func decodeResult(s *structpb.Struct) Result {
	f := s.GetFields()
	return Result{
		Output: f["output"].GetStringValue(),
		Status: task.StatusFromCode(int(f["status"].GetNumberValue())),
	}
}
