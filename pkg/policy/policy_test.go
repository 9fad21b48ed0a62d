package policy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liliang-cn/execd/pkg/task"
)

func hosts(n int) []task.HostConnectionDescriptor {
	out := make([]task.HostConnectionDescriptor, n)
	for i := range out {
		out[i] = task.HostConnectionDescriptor{Address: "10.0.0." + string(rune('1'+i)), Port: 22, Username: "root"}
	}
	return out
}

const playbook = `
- hosts: all
  tasks:
    - name: ping
      ping:
`

func TestPlanDefaults(t *testing.T) {
	e := New(Defaults{})

	plan, err := e.Plan(&task.TaskRequest{Kind: task.KindShell, Body: "uptime", Hosts: hosts(20)})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Ordering != task.Parallel || plan.HostTimeout != 300*time.Second || plan.AbortOnFailure || plan.Parallelism != 10 {
		t.Errorf("unexpected shell plan %+v", plan)
	}
	if plan.Inventory != nil {
		t.Error("shell plans carry no inventory")
	}

	plan, err = e.Plan(&task.TaskRequest{Kind: task.KindPlaybook, Body: playbook, Hosts: hosts(3)})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Ordering != task.Sequential || plan.Parallelism != 1 {
		t.Errorf("playbooks default to sequential: %+v", plan)
	}
	if plan.Inventory == nil || len(plan.Inventory.Hosts) != 3 {
		t.Fatalf("inventory not built: %+v", plan.Inventory)
	}
}

func TestPlanOverrides(t *testing.T) {
	abort := true
	e := New(Defaults{HostTimeout: time.Minute, Parallelism: 4})

	plan, err := e.Plan(&task.TaskRequest{
		Kind:  task.KindShell,
		Body:  "uptime",
		Hosts: hosts(3),
		Policy: task.PolicyOverrides{
			Ordering:       task.Sequential,
			Timeout:        5 * time.Second,
			AbortOnFailure: &abort,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Ordering != task.Sequential || plan.HostTimeout != 5*time.Second || !plan.AbortOnFailure || plan.Parallelism != 1 {
		t.Errorf("overrides not applied: %+v", plan)
	}

	plan, _ = e.Plan(&task.TaskRequest{Kind: task.KindPlaybook, Body: playbook, Hosts: hosts(3),
		Policy: task.PolicyOverrides{Ordering: task.Parallel}})
	if plan.Ordering != task.Parallel || plan.Parallelism != 3 {
		t.Errorf("parallel playbook should be capped by host count: %+v", plan)
	}

	if _, err := e.Plan(&task.TaskRequest{Kind: task.KindShell, Body: "x", Hosts: hosts(1),
		Policy: task.PolicyOverrides{Ordering: "random"}}); err == nil {
		t.Error("expected error for unknown ordering")
	}
}

func TestInventoryBuildError(t *testing.T) {
	hs := hosts(3)
	hs[1].Username = ""
	hs[2].Address = "bad host"

	_, err := New(Defaults{}).Plan(&task.TaskRequest{Kind: task.KindPlaybook, Body: playbook, Hosts: hs})
	var ibe *InventoryBuildError
	if !errors.As(err, &ibe) {
		t.Fatalf("expected *InventoryBuildError, got %v", err)
	}
	if ibe.Index != 1 || len(ibe.Missing) != 1 || ibe.Missing[0] != "username" {
		t.Errorf("unexpected error %+v", ibe)
	}

	_, err = BuildInventory(hs[2:])
	if !errors.As(err, &ibe) || len(ibe.Invalid) != 1 || ibe.Invalid[0] != "address" {
		t.Errorf("expected invalid address, got %v", err)
	}
}

func TestRenderInventory(t *testing.T) {
	hs := hosts(2)
	hs[1].Port = 2222
	inv, err := BuildInventory(hs)
	if err != nil {
		t.Fatal(err)
	}
	auth := []HostAuth{{KeyFile: "/tmp/run/host1.key"}, {Password: "p@ss word"}}

	got := inv.Render(auth, false)
	want := "[all]\n" +
		"host1 ansible_host=10.0.0.1 ansible_port=22 ansible_user=root ansible_ssh_private_key_file=/tmp/run/host1.key\n" +
		"host2 ansible_host=10.0.0.2 ansible_port=2222 ansible_user=root ansible_ssh_pass='p@ss word'\n" +
		"\n[all:vars]\n" +
		"ansible_ssh_common_args='-o StrictHostKeyChecking=no -o ConnectTimeout=10'\n"
	if got != want {
		t.Errorf("render mismatch\n got: %q\nwant: %q", got, want)
	}

	redacted := inv.Render(auth, true)
	if strings.Contains(redacted, "p@ss") || !strings.Contains(redacted, "ansible_ssh_pass=********") {
		t.Errorf("password not redacted: %q", redacted)
	}
}

func TestValidatePlaybook(t *testing.T) {
	tests := map[string]bool{
		playbook:          true,
		"hosts: all":      false,
		"- just a string": false,
		"":                false,
		"- [unclosed":     false,
	}
	for body, ok := range tests {
		err := ValidatePlaybook(body)
		if (err == nil) != ok {
			t.Errorf("ValidatePlaybook(%q) = %v, want ok=%v", body, err, ok)
		}
	}
}

func TestMergeVars(t *testing.T) {
	params := map[string]string{"env": "staging", "region": "eu"}

	vars, err := MergeVars(params, `{"env": "prod", "replicas": 3}`)
	if err != nil {
		t.Fatal(err)
	}
	if vars["env"] != "prod" || vars["region"] != "eu" || vars["replicas"] != 3 {
		t.Errorf("json merge: %v", vars)
	}

	vars, err = MergeVars(nil, "version: 1.2.3\nflags:\n  - a\n  - b\n")
	if err != nil {
		t.Fatal(err)
	}
	if vars["version"] != "1.2.3" {
		t.Errorf("yaml merge: %v", vars)
	}

	var eve *ExtraVarsError
	if _, err := MergeVars(nil, "[1, 2]"); !errors.As(err, &eve) {
		t.Errorf("expected *ExtraVarsError for a list, got %v", err)
	}
	if _, err := MergeVars(nil, "{unclosed"); !errors.As(err, &eve) {
		t.Errorf("expected *ExtraVarsError for bad syntax, got %v", err)
	}

	data, err := MarshalVars(map[string]interface{}{"b": 1, "a": "x"})
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]interface{}
	if err := yaml.Unmarshal(data, &back); err != nil || back["a"] != "x" {
		t.Errorf("vars file not readable: %q %v", data, err)
	}
	if names := VarNames(back); strings.Join(names, ",") != "a,b" {
		t.Errorf("unexpected names %v", names)
	}
}
