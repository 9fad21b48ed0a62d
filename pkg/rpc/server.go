package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/liliang-cn/execd/pkg/executor"
	"github.com/liliang-cn/execd/pkg/logger"
	"github.com/liliang-cn/execd/pkg/policy"
	"github.com/liliang-cn/execd/pkg/registry"
	"github.com/liliang-cn/execd/pkg/task"
)

// DefaultWatchInterval is how often Watch reads the registry.
const DefaultWatchInterval = 200 * time.Millisecond

// Server implements ExecServer on top of a dispatcher.
type Server struct {
	dispatcher *executor.Dispatcher
	log        *logger.Logger
	// WatchInterval defaults to DefaultWatchInterval.
	WatchInterval time.Duration
}

// NewServer wraps d. A nil log uses the default logger.
func NewServer(d *executor.Dispatcher, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{dispatcher: d, log: log, WatchInterval: DefaultWatchInterval}
}

// Submit validates and starts a run, returning its token.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	user := submitterFrom(ctx)
	if user == "" {
		return nil, status.Errorf(codes.Unauthenticated, "missing %s metadata", SubmitterKey)
	}
	req, err := DecodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	req.Submitter = user

	token, err := s.dispatcher.Submit(ctx, req)
	if err != nil {
		return nil, s.submitStatus(err)
	}
	return wrapperspb.String(string(token)), nil
}

// Poll returns the accumulated output and status of a run.
func (s *Server) Poll(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	snap, err := s.read(ctx, in.GetValue())
	if err != nil {
		return nil, err
	}
	return resultStruct(snap.Output, snap.Status)
}

// Watch streams output increments until the run is terminal. The last
// message carries the terminal status.
func (s *Server) Watch(in *wrapperspb.StringValue, stream grpc.ServerStream) error {
	ctx := stream.Context()
	interval := s.WatchInterval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for {
		snap, err := s.read(ctx, in.GetValue())
		if err != nil {
			return err
		}
		if len(snap.Output) > sent || snap.Status.Terminal() {
			msg, err := resultStruct(snap.Output[sent:], snap.Status)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			sent = len(snap.Output)
		}
		if snap.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) read(ctx context.Context, raw string) (registry.Snapshot, error) {
	token := task.Token(raw)
	if !token.Valid() {
		return registry.Snapshot{}, status.Error(codes.NotFound, registry.ErrNotFound.Error())
	}
	snap, err := s.dispatcher.Poll(ctx, token)
	if errors.Is(err, registry.ErrNotFound) {
		return snap, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		s.log.Error("poll %s: %v", token, err)
		return snap, status.Error(codes.Internal, err.Error())
	}
	return snap, nil
}

func (s *Server) submitStatus(err error) error {
	var (
		ibe *policy.InventoryBuildError
		pbe *policy.PlaybookError
		eve *policy.ExtraVarsError
	)
	switch {
	case task.IsValidation(err), errors.As(err, &ibe), errors.As(err, &pbe), errors.As(err, &eve):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, executor.ErrPoolSaturated):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, executor.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	}
	s.log.Error("submission failed: %v", err)
	return status.Error(codes.Internal, err.Error())
}

func submitterFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(SubmitterKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

func resultStruct(output string, st task.Status) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"output": output,
		"status": st.Code(),
	})
}

// DecodeRequest converts a Submit message into a task request. The
// submitter is left empty.
func DecodeRequest(in *structpb.Struct) (*task.TaskRequest, error) {
	f := in.GetFields()
	kind, err := task.ParseKind(f["kind"].GetStringValue())
	if err != nil {
		return nil, err
	}
	req := &task.TaskRequest{
		Kind:        kind,
		Body:        f["body"].GetStringValue(),
		Interpreter: f["interpreter"].GetStringValue(),
		ExtraVars:   f["extra_vars"].GetStringValue(),
		TemplateID:  int64(f["template_id"].GetNumberValue()),
		Destination: f["destination"].GetStringValue(),
		Mode:        uint32(f["mode"].GetNumberValue()),
		Policy: task.PolicyOverrides{
			Ordering: task.Ordering(f["ordering"].GetStringValue()),
			Timeout:  time.Duration(f["timeout"].GetNumberValue() * float64(time.Second)),
			Parallel: int(f["parallel"].GetNumberValue()),
		},
	}
	if v, ok := f["abort_on_failure"]; ok {
		abort := v.GetBoolValue()
		req.Policy.AbortOnFailure = &abort
	}
	if p := f["params"].GetStructValue(); p != nil {
		req.Params = make(map[string]string, len(p.GetFields()))
		for k, v := range p.GetFields() {
			req.Params[k] = v.GetStringValue()
		}
	}
	for i, v := range f["hosts"].GetListValue().GetValues() {
		h := v.GetStructValue()
		if h == nil {
			return nil, fmt.Errorf("hosts[%d] is not an object", i)
		}
		hf := h.GetFields()
		d := task.HostConnectionDescriptor{
			ID:         int64(hf["id"].GetNumberValue()),
			Name:       hf["name"].GetStringValue(),
			Address:    hf["ip"].GetStringValue(),
			Port:       int(hf["port"].GetNumberValue()),
			Username:   hf["username"].GetStringValue(),
			Password:   hf["password"].GetStringValue(),
			PrivateKey: hf["pkey"].GetStringValue(),
		}
		if d.Port == 0 {
			d.Port = 22
		}
		d.UseDefault = d.Password == "" && d.PrivateKey == ""
		req.Hosts = append(req.Hosts, d)
	}
	return req, nil
}

// EncodeRequest is the inverse of DecodeRequest.
func EncodeRequest(req *task.TaskRequest) (*structpb.Struct, error) {
	hosts := make([]interface{}, 0, len(req.Hosts))
	for _, h := range req.Hosts {
		hosts = append(hosts, map[string]interface{}{
			"id":       h.ID,
			"name":     h.Name,
			"ip":       h.Address,
			"port":     h.Port,
			"username": h.Username,
			"password": h.Password,
			"pkey":     h.PrivateKey,
		})
	}
	params := make(map[string]interface{}, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}
	m := map[string]interface{}{
		"kind":        string(req.Kind),
		"body":        req.Body,
		"interpreter": req.Interpreter,
		"extra_vars":  req.ExtraVars,
		"template_id": req.TemplateID,
		"destination": req.Destination,
		"mode":        int64(req.Mode),
		"ordering":    string(req.Policy.Ordering),
		"timeout":     req.Policy.Timeout.Seconds(),
		"parallel":    req.Policy.Parallel,
		"params":      params,
		"hosts":       hosts,
	}
	if req.Policy.AbortOnFailure != nil {
		m["abort_on_failure"] = *req.Policy.AbortOnFailure
	}
	return structpb.NewStruct(m)
}
