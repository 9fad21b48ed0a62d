package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/liliang-cn/execd/pkg/task"
)

func testRecorder(t *testing.T, rec Recorder) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	req := &task.TaskRequest{
		Kind:       task.KindPlaybook,
		Body:       "- hosts: all",
		Submitter:  "alice",
		TemplateID: 7,
		Params:     map[string]string{"env": "prod"},
		Hosts: []task.HostConnectionDescriptor{
			{ID: 3, Address: "10.0.0.3", Port: 22, Username: "root"},
			{ID: 9, Address: "10.0.0.9", Port: 22, Username: "root"},
		},
	}
	if err := rec.Record(ctx, FromRequest("aaaa", req, now)); err != nil {
		t.Fatal(err)
	}
	req.Kind = task.KindShell
	if err := rec.Record(ctx, FromRequest("bbbb", req, now.Add(time.Second))); err != nil {
		t.Fatal(err)
	}
	req.Submitter = "bob"
	if err := rec.Record(ctx, FromRequest("cccc", req, now.Add(2*time.Second))); err != nil {
		t.Fatal(err)
	}

	all, err := rec.List(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Token != "cccc" || all[2].Token != "aaaa" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	mine, err := rec.List(ctx, Query{Submitter: "alice", Kind: task.KindPlaybook})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 {
		t.Fatalf("expected one playbook row for alice, got %d", len(mine))
	}
	r := mine[0]
	if r.TemplateID != 7 || r.Params["env"] != "prod" || len(r.HostIDs) != 2 || r.HostIDs[1] != 9 {
		t.Errorf("row not stored faithfully: %+v", r)
	}
	if !r.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", r.CreatedAt, now)
	}

	limited, _ := rec.List(ctx, Query{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit not applied: %d rows", len(limited))
	}
}

func TestMemoryRecorder(t *testing.T) {
	m := NewMemory()
	testRecorder(t, m)
	m.Close()
	if err := m.Record(context.Background(), Record{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSQLiteRecorder(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testRecorder(t, s)
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Record(context.Background(), Record{Token: "dddd", Kind: task.KindShell})
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	rows, err := s.List(context.Background(), Query{})
	if err != nil || len(rows) != 1 || rows[0].Token != "dddd" {
		t.Errorf("records should survive a reopen: %v %+v", err, rows)
	}
	if rows[0].HostIDs != nil || rows[0].Params != nil {
		t.Errorf("empty fields should decode as nil: %+v", rows[0])
	}
}
