package inventory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/liliang-cn/execd/pkg/task"
)

// Filter selects hosts from the directory. Patterns are group names, host
// aliases or ssh config wildcards; IDs select single hosts by directory id.
type Filter struct {
	Patterns []string
	IDs      []int64
}

// Host is a resolved directory entry before key material is loaded.
type Host struct {
	ID       int64
	Name     string
	Address  string
	User     string
	Port     int
	KeyPath  string
	Password string

	// Track which fields were explicitly set (not using defaults)
	UserSet    bool
	PortSet    bool
	KeyPathSet bool
}

// GetHosts gets host list by patterns (group names, aliases or wildcards)
func (inv *Inventory) GetHosts(patterns []string) ([]Host, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var hosts []Host
	seen := make(map[string]bool)
	add := func(addr, group string) {
		if !seen[addr] {
			hosts = append(hosts, inv.buildHost(addr, group))
			seen[addr] = true
		}
	}

	for _, pattern := range patterns {
		if group, ok := inv.config.Hosts[pattern]; ok && len(group.Addresses) > 0 {
			for _, addr := range group.Addresses {
				add(addr, pattern)
			}
		} else if strings.ContainsAny(pattern, "*?[") {
			matches := ExpandWildcardFromSSHConfig(pattern)
			if len(matches) == 0 {
				return nil, fmt.Errorf("no hosts found for wildcard pattern: %s", pattern)
			}
			for _, match := range matches {
				add(match, "")
			}
		} else {
			add(pattern, "")
		}
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts found for patterns: %v", patterns)
	}

	return hosts, nil
}

// GetHostByID returns the single-host entry carrying id.
func (inv *Inventory) GetHostByID(id int64) (Host, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	for addr, entry := range inv.config.Hosts {
		if entry.ID == id && len(entry.Addresses) == 0 {
			return inv.buildHost(addr, ""), nil
		}
	}
	return Host{}, fmt.Errorf("no host with id %d", id)
}

// buildHost builds host configuration, merging defaults and overrides
// Priority: TOML host > TOML group > SSH config > defaults
func (inv *Inventory) buildHost(address string, group string) Host {
	host := Host{
		Address: address,
		User:    inv.config.SSH.User,
		Port:    inv.config.SSH.Port,
		KeyPath: inv.config.SSH.KeyPath,
	}

	if hostConfig, ok := inv.config.Hosts[address]; ok && len(hostConfig.Addresses) == 0 {
		host.ID = hostConfig.ID
		host.Name = hostConfig.Name
		host.Password = hostConfig.Password
		if hostConfig.User != "" {
			host.User = hostConfig.User
			host.UserSet = true
		}
		if hostConfig.Port != 0 {
			host.Port = hostConfig.Port
			host.PortSet = true
		}
		if hostConfig.KeyPath != "" {
			host.KeyPath = hostConfig.KeyPath
			host.KeyPathSet = true
		}
	}

	if group != "" {
		if groupConfig, ok := inv.config.Hosts[group]; ok {
			if !host.UserSet && groupConfig.User != "" {
				host.User = groupConfig.User
				host.UserSet = true
			}
			if !host.PortSet && groupConfig.Port != 0 {
				host.Port = groupConfig.Port
				host.PortSet = true
			}
			if !host.KeyPathSet && groupConfig.KeyPath != "" {
				host.KeyPath = groupConfig.KeyPath
				host.KeyPathSet = true
			}
			if host.Password == "" {
				host.Password = groupConfig.Password
			}
		}
	}

	if sshEntry, ok := GetSSHConfigEntry(address); ok {
		if sshEntry.HostName != "" {
			if host.Name == "" {
				host.Name = address
			}
			host.Address = sshEntry.HostName
		}
		if !host.UserSet && sshEntry.User != "" {
			host.User = sshEntry.User
		}
		if !host.PortSet && sshEntry.Port != 0 {
			host.Port = sshEntry.Port
		}
		if !host.KeyPathSet && sshEntry.KeyPath != "" {
			host.KeyPath = sshEntry.KeyPath
			host.KeyPathSet = true
		}
	}

	if host.Port == 0 {
		host.Port = 22
	}
	return host
}

// Descriptor converts a directory host into the form the execution core
// consumes. A host without its own key or password uses the fleet default.
func (h Host) Descriptor() (task.HostConnectionDescriptor, error) {
	d := task.HostConnectionDescriptor{
		ID:       h.ID,
		Name:     h.Name,
		Address:  h.Address,
		Port:     h.Port,
		Username: h.User,
		Password: h.Password,
	}
	if h.KeyPathSet {
		pem, err := os.ReadFile(ExpandPath(h.KeyPath))
		if err != nil {
			return d, fmt.Errorf("failed to read key for %s: %w", h.Address, err)
		}
		d.PrivateKey = string(pem)
	}
	d.UseDefault = d.PrivateKey == "" && d.Password == ""
	return d, nil
}

// ListTargets resolves filter into connection descriptors. IDs come first
// in the order given, followed by pattern matches; duplicates are dropped.
func (inv *Inventory) ListTargets(filter Filter) ([]task.HostConnectionDescriptor, error) {
	var hosts []Host
	for _, id := range filter.IDs {
		h, err := inv.GetHostByID(id)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	if len(filter.Patterns) > 0 {
		matched, err := inv.GetHosts(filter.Patterns)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, matched...)
	}

	seen := make(map[string]bool)
	out := make([]task.HostConnectionDescriptor, 0, len(hosts))
	for _, h := range hosts {
		key := fmt.Sprintf("%s:%d", h.Address, h.Port)
		if seen[key] {
			continue
		}
		seen[key] = true
		d, err := h.Descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// GetAllGroups returns all groups
func (inv *Inventory) GetAllGroups() map[string][]string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	groups := make(map[string][]string)
	for name, group := range inv.config.Hosts {
		if len(group.Addresses) > 0 {
			groups[name] = group.Addresses
		}
	}
	return groups
}

// GroupNames returns the sorted group names.
func (inv *Inventory) GroupNames() []string {
	groups := inv.GetAllGroups()
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
