package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liliang-cn/execd/pkg/task"
)

// InventoryBuildError reports a host that cannot be rendered into an
// inventory.
type InventoryBuildError struct {
	Index   int
	Host    string
	Missing []string
	Invalid []string
}

func (e *InventoryBuildError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return fmt.Sprintf("cannot build inventory: host_list[%d] %q: %s", e.Index, e.Host, strings.Join(parts, "; "))
}

// InventoryHost is one host line of the inventory.
type InventoryHost struct {
	// Alias is the inventory name, also used with --limit.
	Alias   string
	Address string
	Port    int
	User    string
}

// HostAuth is filled in by the dispatcher once credentials are resolved.
type HostAuth struct {
	Password string
	KeyFile  string
}

// Inventory is the rendered host context of a playbook run.
type Inventory struct {
	Hosts []InventoryHost
	// CommonArgs is written as ansible_ssh_common_args.
	CommonArgs string
}

// BuildInventory checks every host and assigns aliases host1..hostN in
// host-list order.
func BuildInventory(hosts []task.HostConnectionDescriptor) (*Inventory, error) {
	inv := &Inventory{
		CommonArgs: "-o StrictHostKeyChecking=no -o ConnectTimeout=10",
	}
	for i, h := range hosts {
		e := &InventoryBuildError{Index: i, Host: h.Address}
		if strings.TrimSpace(h.Address) == "" {
			e.Missing = append(e.Missing, "address")
		} else if strings.ContainsAny(h.Address, " \t\r\n=#") {
			e.Invalid = append(e.Invalid, "address")
		}
		if h.Port == 0 {
			e.Missing = append(e.Missing, "port")
		} else if h.Port < 0 || h.Port > 65535 {
			e.Invalid = append(e.Invalid, "port")
		}
		if strings.TrimSpace(h.Username) == "" {
			e.Missing = append(e.Missing, "username")
		} else if strings.ContainsAny(h.Username, " \t\r\n=#'\"") {
			e.Invalid = append(e.Invalid, "username")
		}
		if len(e.Missing) > 0 || len(e.Invalid) > 0 {
			return nil, e
		}
		inv.Hosts = append(inv.Hosts, InventoryHost{
			Alias:   "host" + strconv.Itoa(i+1),
			Address: h.Address,
			Port:    h.Port,
			User:    h.Username,
		})
	}
	return inv, nil
}

// Render writes the inventory in Ansible INI form with per-host variables.
// auth is indexed like Hosts; passwords are replaced by "********" when
// redact is set so the text can be shown in run output.
func (inv *Inventory) Render(auth []HostAuth, redact bool) string {
	var b strings.Builder
	b.WriteString("[all]\n")
	for i, h := range inv.Hosts {
		fmt.Fprintf(&b, "%s ansible_host=%s ansible_port=%d ansible_user=%s", h.Alias, h.Address, h.Port, h.User)
		if i < len(auth) {
			a := auth[i]
			switch {
			case a.KeyFile != "":
				fmt.Fprintf(&b, " ansible_ssh_private_key_file=%s", quoteINI(a.KeyFile))
			case a.Password != "":
				pw := a.Password
				if redact {
					pw = "********"
				}
				fmt.Fprintf(&b, " ansible_ssh_pass=%s", quoteINI(pw))
			}
		}
		b.WriteByte('\n')
	}
	if inv.CommonArgs != "" {
		b.WriteString("\n[all:vars]\n")
		fmt.Fprintf(&b, "ansible_ssh_common_args=%s\n", quoteINI(inv.CommonArgs))
	}
	return b.String()
}

func quoteINI(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t'\"#;=\\") {
		return v
	}
	return "'" + strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), "'", `\'`) + "'"
}

// PlaybookError reports a playbook body that is not a list of plays.
type PlaybookError struct {
	Reason string
}

func (e *PlaybookError) Error() string { return "invalid playbook: " + e.Reason }

// ValidatePlaybook checks that body parses as a YAML sequence of mappings.
func ValidatePlaybook(body string) error {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return &PlaybookError{Reason: err.Error()}
	}
	if len(doc.Content) == 0 {
		return &PlaybookError{Reason: "empty document"}
	}
	root := doc.Content[0]
	if root.Kind != yaml.SequenceNode {
		return &PlaybookError{Reason: "a playbook must be a list of plays"}
	}
	for i, play := range root.Content {
		if play.Kind != yaml.MappingNode {
			return &PlaybookError{Reason: fmt.Sprintf("play %d is not a mapping", i+1)}
		}
	}
	return nil
}

// ExtraVarsError reports an extra-vars payload that is not a mapping.
type ExtraVarsError struct {
	Err error
}

func (e *ExtraVarsError) Error() string { return "invalid extra_vars: " + e.Err.Error() }
func (e *ExtraVarsError) Unwrap() error { return e.Err }

// MergeVars parses extra (JSON or YAML; JSON is valid YAML) and merges it
// over params. Extra vars win on key conflicts.
func MergeVars(params map[string]string, extra string) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(params))
	for k, v := range params {
		vars[k] = v
	}
	if strings.TrimSpace(extra) == "" {
		return vars, nil
	}

	var parsed interface{}
	if err := yaml.Unmarshal([]byte(extra), &parsed); err != nil {
		return nil, &ExtraVarsError{Err: err}
	}
	m, ok := parsed.(map[string]interface{})
	if !ok {
		return nil, &ExtraVarsError{Err: fmt.Errorf("expected a mapping, got %T", parsed)}
	}
	for k, v := range m {
		vars[k] = v
	}
	return vars, nil
}

// MarshalVars renders vars as a YAML document for --extra-vars @file.
func MarshalVars(vars map[string]interface{}) ([]byte, error) {
	return yaml.Marshal(vars)
}

// VarNames returns the sorted variable names; used in run output.
func VarNames(vars map[string]interface{}) []string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
