package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/liliang-cn/execd/pkg/audit"
	"github.com/liliang-cn/execd/pkg/executor"
	"github.com/liliang-cn/execd/pkg/inventory"
	"github.com/liliang-cn/execd/pkg/policy"
	"github.com/liliang-cn/execd/pkg/registry"
	"github.com/liliang-cn/execd/pkg/task"
)

// hostEntry is an inline target in a submission.
type hostEntry struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	PKey     string `json:"pkey"`
}

func (h hostEntry) descriptor() task.HostConnectionDescriptor {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return task.HostConnectionDescriptor{
		ID:         h.ID,
		Name:       h.Name,
		Address:    h.IP,
		Port:       port,
		Username:   h.Username,
		Password:   h.Password,
		PrivateKey: h.PKey,
		UseDefault: h.Password == "" && h.PKey == "",
	}
}

// targets are the host selectors every submission accepts. Directory
// hosts come first, then inline ones.
type targets struct {
	HostIDs  []int64     `json:"host_ids"`
	Hosts    []string    `json:"hosts"`
	HostList []hostEntry `json:"host_list"`
}

type policyFields struct {
	// Timeout is seconds per host.
	Timeout        int    `json:"timeout"`
	Ordering       string `json:"ordering"`
	AbortOnFailure *bool  `json:"abort_on_failure"`
	Parallel       int    `json:"parallel"`
}

func (p policyFields) overrides() task.PolicyOverrides {
	return task.PolicyOverrides{
		Ordering:       task.Ordering(p.Ordering),
		Timeout:        time.Duration(p.Timeout) * time.Second,
		AbortOnFailure: p.AbortOnFailure,
		Parallel:       p.Parallel,
	}
}

type commandRequest struct {
	targets
	policyFields
	Kind        string            `json:"kind"`
	Command     string            `json:"command"`
	Interpreter string            `json:"interpreter"`
	Params      map[string]string `json:"params"`
	TemplateID  int64             `json:"template_id"`
}

type playbookRequest struct {
	targets
	policyFields
	Playbook   string            `json:"playbook"`
	Params     map[string]string `json:"params"`
	ExtraVars  string            `json:"extra_vars"`
	TemplateID int64             `json:"template_id"`
}

type transferRequest struct {
	targets
	policyFields
	Content string `json:"content"`
	// Encoding is "base64" or empty for plain text.
	Encoding    string `json:"encoding"`
	Destination string `json:"dst"`
	// Mode is octal text, e.g. "0644".
	Mode string `json:"mode"`
}

type verifyRequest struct {
	hostEntry
	Hostname string `json:"hostname"`
}

func badRequest(c *gin.Context, format string, args ...interface{}) {
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf(format, args...)})
}

// resolveTargets builds the host list of a submission.
func (s *Server) resolveTargets(t targets) ([]task.HostConnectionDescriptor, error) {
	var hosts []task.HostConnectionDescriptor
	if len(t.HostIDs) > 0 || len(t.Hosts) > 0 {
		if s.directory == nil {
			return nil, errors.New("no host directory configured, use host_list")
		}
		found, err := s.directory.ListTargets(inventory.Filter{IDs: t.HostIDs, Patterns: t.Hosts})
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, found...)
	}
	for _, h := range t.HostList {
		hosts = append(hosts, h.descriptor())
	}
	return hosts, nil
}

func (s *Server) submit(c *gin.Context, req *task.TaskRequest, t targets) {
	hosts, err := s.resolveTargets(t)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	req.Hosts = hosts
	req.Submitter = submitter(c)

	token, err := s.dispatcher.Submit(c.Request.Context(), req)
	if err != nil {
		s.submitError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": token})
}

func (s *Server) submitError(c *gin.Context, err error) {
	var (
		ibe *policy.InventoryBuildError
		pbe *policy.PlaybookError
		eve *policy.ExtraVarsError
	)
	switch {
	case task.IsValidation(err), errors.As(err, &ibe), errors.As(err, &pbe), errors.As(err, &eve):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, executor.ErrPoolSaturated), errors.Is(err, executor.ErrShuttingDown):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.Error("submission failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) submitCommand(c *gin.Context) {
	var body commandRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	kind, err := task.ParseKind(body.Kind)
	if err != nil || kind == task.KindPlaybook || kind == task.KindTransfer {
		badRequest(c, "kind must be shell or script")
		return
	}
	s.submit(c, &task.TaskRequest{
		Kind:        kind,
		Body:        body.Command,
		Interpreter: body.Interpreter,
		Params:      body.Params,
		TemplateID:  body.TemplateID,
		Policy:      body.overrides(),
	}, body.targets)
}

func (s *Server) submitPlaybook(c *gin.Context) {
	var body playbookRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	s.submit(c, &task.TaskRequest{
		Kind:       task.KindPlaybook,
		Body:       body.Playbook,
		Params:     body.Params,
		ExtraVars:  body.ExtraVars,
		TemplateID: body.TemplateID,
		Policy:     body.overrides(),
	}, body.targets)
}

func (s *Server) submitTransfer(c *gin.Context) {
	var body transferRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	content := body.Content
	switch strings.ToLower(body.Encoding) {
	case "":
	case "base64":
		raw, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil {
			badRequest(c, "content is not valid base64: %v", err)
			return
		}
		content = string(raw)
	default:
		badRequest(c, "unknown encoding %q", body.Encoding)
		return
	}
	var mode uint64
	if body.Mode != "" {
		var err error
		if mode, err = strconv.ParseUint(body.Mode, 8, 32); err != nil || mode > 0o7777 {
			badRequest(c, "invalid mode %q", body.Mode)
			return
		}
	}
	s.submit(c, &task.TaskRequest{
		Kind:        task.KindTransfer,
		Body:        content,
		Destination: body.Destination,
		Mode:        uint32(mode),
		Policy:      body.overrides(),
	}, body.targets)
}

// result is the polling endpoint.
func (s *Server) result(c *gin.Context) {
	token := task.Token(c.Param("token"))
	if !token.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": registry.ErrNotFound.Error()})
		return
	}
	snap, err := s.dispatcher.Poll(c.Request.Context(), token)
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": registry.ErrNotFound.Error()})
		return
	}
	if err != nil {
		s.log.Error("poll %s: %v", token, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": snap.Output, "status": snap.Status.Code()})
}

type historyItem struct {
	ID          int64             `json:"id"`
	Token       string            `json:"token"`
	Kind        string            `json:"kind"`
	HostIDs     []int64           `json:"host_ids"`
	Params      map[string]string `json:"params,omitempty"`
	TemplateID  int64             `json:"template_id,omitempty"`
	Body        string            `json:"body"`
	Interpreter string            `json:"interpreter,omitempty"`
	Destination string            `json:"dst,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (s *Server) listHistory(c *gin.Context, kind task.Kind) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, err := s.dispatcher.History(c.Request.Context(), audit.Query{
		Submitter: submitter(c),
		Kind:      kind,
		Limit:     limit,
	})
	if err != nil {
		s.log.Error("history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	items := make([]historyItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, historyItem{
			ID:          r.ID,
			Token:       string(r.Token),
			Kind:        string(r.Kind),
			HostIDs:     r.HostIDs,
			Params:      r.Params,
			TemplateID:  r.TemplateID,
			Body:        r.Body,
			Interpreter: r.Interpreter,
			Destination: r.Destination,
			CreatedAt:   r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) playbookHistory(c *gin.Context) {
	s.listHistory(c, task.KindPlaybook)
}

func (s *Server) history(c *gin.Context) {
	var kind task.Kind
	if k := c.Query("kind"); k != "" {
		parsed, err := task.ParseKind(k)
		if err != nil {
			badRequest(c, "%v", err)
			return
		}
		kind = parsed
	}
	s.listHistory(c, kind)
}

type hostItem struct {
	Name     string `json:"name"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Auth     string `json:"auth"`
}

// listHosts lists directory hosts matching ?pattern=, all groups when
// absent. Secrets are never returned.
func (s *Server) listHosts(c *gin.Context) {
	if s.directory == nil {
		c.JSON(http.StatusOK, gin.H{"data": []hostItem{}})
		return
	}
	patterns := c.QueryArray("pattern")
	if len(patterns) == 0 {
		patterns = s.directory.GroupNames()
	}
	hosts, err := s.directory.ListTargets(inventory.Filter{Patterns: patterns})
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	items := make([]hostItem, 0, len(hosts))
	for _, h := range hosts {
		auth := "default key"
		switch {
		case h.PrivateKey != "":
			auth = "key"
		case h.Password != "":
			auth = "password"
		}
		items = append(items, hostItem{Name: h.Name, IP: h.Address, Port: h.Port, Username: h.Username, Auth: auth})
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) verifyHost(c *gin.Context) {
	var body verifyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	entry := body.hostEntry
	if entry.IP == "" {
		entry.IP = body.Hostname
	}
	password := entry.Password
	entry.Password = ""
	h := entry.descriptor()

	ok, err := s.dispatcher.Verify(c.Request.Context(), h, password)
	if err != nil {
		var ve *executor.VerifyError
		if task.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.As(err, &ve) {
			c.JSON(http.StatusOK, gin.H{"error": ve.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ok})
}
