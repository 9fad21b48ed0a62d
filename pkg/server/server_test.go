package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/liliang-cn/execd/pkg/audit"
	"github.com/liliang-cn/execd/pkg/executor"
	"github.com/liliang-cn/execd/pkg/inventory"
	"github.com/liliang-cn/execd/pkg/logger"
	"github.com/liliang-cn/execd/pkg/registry"
	"github.com/liliang-cn/execd/pkg/ssh/sshtest"
	"github.com/liliang-cn/execd/pkg/task"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type okRunner struct{}

func (okRunner) Run(context.Context, string, string, ...string) ([]byte, int, error) {
	return []byte("PLAY RECAP\n"), 0, nil
}

func newTestServer(t *testing.T, dir *inventory.Inventory) *Server {
	t.Helper()
	reg := registry.NewMemory()
	d, err := executor.New(executor.Options{
		Registry: reg,
		Audit:    audit.NewMemory(),
		Logger:   logger.Discard(),
		Runner:   okRunner{},
		WorkDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx)
		reg.Close()
	})
	return New(d, Options{Directory: dir, Logger: logger.Discard()})
}

func do(t *testing.T, s *Server, method, path, user string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(DefaultSubmitterHeader, user)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: response is not JSON: %q", method, path, w.Body.String())
		}
	}
	return w, out
}

func poll(t *testing.T, s *Server, token string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		w, out := do(t, s, http.MethodGet, "/api/exec/result/"+token+"/", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("poll: %d %v", w.Code, out)
		}
		if out["status"].(float64) != float64(task.CodeRunning) {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never finished: %v", out)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitAndPoll(t *testing.T) {
	srv, err := sshtest.NewServer(sshtest.Config{Passwords: map[string]string{"root": "pw"}})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	srv.Respond("hostname", sshtest.Response{Stdout: "web-01\n"})
	s := newTestServer(t, nil)

	w, out := do(t, s, http.MethodPost, "/api/exec/do/", "alice", map[string]interface{}{
		"command":   "hostname",
		"host_list": []map[string]interface{}{{"ip": srv.Addr, "port": srv.Port, "username": "root", "password": "pw"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("submit: %d %v", w.Code, out)
	}
	token, _ := out["data"].(string)
	if !task.Token(token).Valid() {
		t.Fatalf("bad token %q", token)
	}

	res := poll(t, s, token)
	if res["status"].(float64) != 0 || !strings.Contains(res["output"].(string), "web-01") {
		t.Errorf("unexpected result %v", res)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/exec/ansible/result/"+token+"/", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("result endpoint should be open to any origin: %d %v", rec.Code, rec.Header())
	}
}

func TestResultNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	tok, _ := task.NewToken()
	for _, p := range []string{"/api/exec/result/" + string(tok) + "/", "/api/exec/ansible/result/not-a-token/"} {
		w, out := do(t, s, http.MethodGet, p, "", nil)
		if w.Code != http.StatusNotFound || out["error"] != "token not found or expired" {
			t.Errorf("%s: %d %v", p, w.Code, out)
		}
	}
}

func TestSubmissionErrors(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := do(t, s, http.MethodPost, "/api/exec/do/", "", map[string]interface{}{"command": "true"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing submitter: got %d", w.Code)
	}

	w, out := do(t, s, http.MethodPost, "/api/exec/do/", "alice", map[string]interface{}{"command": "true"})
	if w.Code != http.StatusBadRequest || !strings.Contains(out["error"].(string), "host_list") {
		t.Errorf("empty host list: %d %v", w.Code, out)
	}

	w, out = do(t, s, http.MethodPost, "/api/exec/ansible/", "alice", map[string]interface{}{
		"playbook":  "- hosts: all\n",
		"host_list": []map[string]interface{}{{"ip": "10.0.0.1", "username": "root"}, {"ip": "10.0.0.2"}},
	})
	if w.Code != http.StatusBadRequest || !strings.Contains(out["error"].(string), "username") {
		t.Errorf("incomplete host: %d %v", w.Code, out)
	}

	w, _ = do(t, s, http.MethodPost, "/api/exec/do/", "alice", map[string]interface{}{
		"command": "true", "host_ids": []int{1},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("host_ids without a directory: %d", w.Code)
	}

	w, _ = do(t, s, http.MethodPost, "/api/exec/transfer/", "alice", map[string]interface{}{
		"content": "x", "dst": "/tmp/x", "mode": "999",
		"host_list": []map[string]interface{}{{"ip": "10.0.0.1", "username": "root"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad mode: %d", w.Code)
	}
}

func TestPlaybookHistory(t *testing.T) {
	s := newTestServer(t, nil)
	hosts := []map[string]interface{}{{"id": 4, "ip": "10.0.0.4", "username": "root", "password": "pw"}}

	w, out := do(t, s, http.MethodPost, "/api/exec/ansible/", "alice", map[string]interface{}{
		"playbook":    "- hosts: all\n  tasks: []\n",
		"host_list":   hosts,
		"extra_vars":  "version: 2",
		"template_id": 11,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("submit: %d %v", w.Code, out)
	}
	if res := poll(t, s, out["data"].(string)); res["status"].(float64) != 0 {
		t.Errorf("playbook run: %v", res)
	}
	do(t, s, http.MethodPost, "/api/exec/ansible/", "bob", map[string]interface{}{
		"playbook": "- hosts: all\n", "host_list": hosts,
	})

	w, out = do(t, s, http.MethodGet, "/api/exec/ansible/", "alice", nil)
	items, _ := out["data"].([]interface{})
	if w.Code != http.StatusOK || len(items) != 1 {
		t.Fatalf("history: %d %v", w.Code, out)
	}
	item := items[0].(map[string]interface{})
	if item["template_id"].(float64) != 11 || item["kind"] != "playbook" {
		t.Errorf("unexpected history item %v", item)
	}
}

func TestHostDirectory(t *testing.T) {
	inventory.SetSSHConfigPath(filepath.Join(t.TempDir(), "missing"))
	defer inventory.SetSSHConfigPath("")

	cfg := inventory.DefaultConfig()
	cfg.SSH.User = "ops"
	cfg.Hosts = map[string]inventory.HostGroup{
		"web":      {Addresses: []string{"10.1.0.1", "10.1.0.2"}, Port: 2222},
		"10.1.0.9": {ID: 9, Password: "pw"},
	}
	s := newTestServer(t, inventory.NewFromConfig(cfg))

	w, out := do(t, s, http.MethodGet, "/api/host/?pattern=web", "alice", nil)
	items, _ := out["data"].([]interface{})
	if w.Code != http.StatusOK || len(items) != 2 {
		t.Fatalf("list: %d %v", w.Code, out)
	}
	first := items[0].(map[string]interface{})
	if first["ip"] != "10.1.0.1" || first["port"].(float64) != 2222 || first["username"] != "ops" || first["auth"] != "default key" {
		t.Errorf("unexpected host %v", first)
	}

	hosts, err := s.resolveTargets(targets{HostIDs: []int64{9}, Hosts: []string{"web"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 3 || hosts[0].ID != 9 || hosts[0].Password != "pw" {
		t.Errorf("unexpected targets %+v", hosts)
	}
}

func TestVerifyHost(t *testing.T) {
	srv, err := sshtest.NewServer(sshtest.Config{Passwords: map[string]string{"root": "pw"}})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	s := newTestServer(t, nil)

	w, out := do(t, s, http.MethodPost, "/api/host/verify/", "alice", map[string]interface{}{
		"hostname": srv.Addr, "port": srv.Port, "username": "root", "pkey": "not a key",
	})
	if w.Code != http.StatusOK || !strings.Contains(out["error"].(string), "cannot be parsed") {
		t.Errorf("bad key: %d %v", w.Code, out)
	}

	w, _ = do(t, s, http.MethodPost, "/api/host/verify/", "alice", map[string]interface{}{"port": 22})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing address: %d", w.Code)
	}
}
