package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/plugbox/internal/plugin/faults"
)

// MemoryGrant covers the memory category.
type MemoryGrant struct {
	Read  bool `json:"read,omitempty"`
	Write bool `json:"write,omitempty"`
}

// AgentsGrant covers the agents category.
type AgentsGrant struct {
	Create  bool `json:"create,omitempty"`
	Execute bool `json:"execute,omitempty"`
}

// ModelsGrant covers the models category.
type ModelsGrant struct {
	Execute bool `json:"execute,omitempty"`
}

// FilesystemGrant covers the filesystem category.
type FilesystemGrant struct {
	Read  bool `json:"read,omitempty"`
	Write bool `json:"write,omitempty"`
}

// NetworkGrant lists the domains a plugin may fetch from.
type NetworkGrant struct {
	Domains []string `json:"domains"`
}

// UIGrant covers the ui category.
type UIGrant struct {
	Commands      bool `json:"commands,omitempty"`
	Notifications bool `json:"notifications,omitempty"`
}

// PermissionSet is the concrete grant given to one plugin instance.
//
// A PermissionSet is a value. It is computed once when a plugin is enabled and
// handed to the worker in its initialize message; it is never mutated while
// the worker runs.
type PermissionSet struct {
	Memory     MemoryGrant     `json:"memory"`
	Agents     AgentsGrant     `json:"agents"`
	Models     ModelsGrant     `json:"models"`
	Filesystem FilesystemGrant `json:"filesystem"`
	Network    *NetworkGrant   `json:"network,omitempty"`
	UI         UIGrant         `json:"ui"`
}

// Has reports whether c is granted.
func (p PermissionSet) Has(c Capability) bool {
	switch c {
	case CapabilityMemoryRead:
		return p.Memory.Read
	case CapabilityMemoryWrite:
		return p.Memory.Write
	case CapabilityAgentsCreate:
		return p.Agents.Create
	case CapabilityAgentsExecute:
		return p.Agents.Execute
	case CapabilityModelsExecute:
		return p.Models.Execute
	case CapabilityFileRead:
		return p.Filesystem.Read
	case CapabilityFileWrite:
		return p.Filesystem.Write
	case CapabilityNetworkExternal:
		return p.Network != nil && len(p.Network.Domains) > 0
	case CapabilityUICommands:
		return p.UI.Commands
	case CapabilityUINotifications:
		return p.UI.Notifications
	}
	return false
}

// Capabilities returns the granted capabilities, sorted.
func (p PermissionSet) Capabilities() []Capability {
	var caps []Capability
	for _, c := range AllCapabilities() {
		if p.Has(c) {
			caps = append(caps, c)
		}
	}
	return caps
}

// Domains returns the network allow-list.
func (p PermissionSet) Domains() []string {
	if p.Network == nil {
		return nil
	}
	return append([]string(nil), p.Network.Domains...)
}

// IsEmpty reports whether nothing is granted.
func (p PermissionSet) IsEmpty() bool {
	return len(p.Capabilities()) == 0
}

// Clone returns a deep copy.
func (p PermissionSet) Clone() PermissionSet {
	c := p
	if p.Network != nil {
		c.Network = &NetworkGrant{Domains: p.Domains()}
	}
	return c
}

// Intersect returns the grants present in both p and approved. Requested
// domains survive when approved covers them, either exactly or as a
// subdomain of an approved domain.
func (p PermissionSet) Intersect(approved PermissionSet) PermissionSet {
	out := PermissionSet{
		Memory: MemoryGrant{
			Read:  p.Memory.Read && approved.Memory.Read,
			Write: p.Memory.Write && approved.Memory.Write,
		},
		Agents: AgentsGrant{
			Create:  p.Agents.Create && approved.Agents.Create,
			Execute: p.Agents.Execute && approved.Agents.Execute,
		},
		Models: ModelsGrant{
			Execute: p.Models.Execute && approved.Models.Execute,
		},
		Filesystem: FilesystemGrant{
			Read:  p.Filesystem.Read && approved.Filesystem.Read,
			Write: p.Filesystem.Write && approved.Filesystem.Write,
		},
		UI: UIGrant{
			Commands:      p.UI.Commands && approved.UI.Commands,
			Notifications: p.UI.Notifications && approved.UI.Notifications,
		},
	}

	if p.Network != nil && approved.Network != nil {
		var domains []string
		for _, d := range p.Network.Domains {
			if MatchDomain(d, approved.Network.Domains) {
				domains = append(domains, d)
			}
		}
		if len(domains) > 0 {
			out.Network = &NetworkGrant{Domains: domains}
		}
	}
	return out
}

// String returns a compact description such as "filesystem.read,network.external".
func (p PermissionSet) String() string {
	caps := p.Capabilities()
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

// FullPermissions grants every capability, with network limited to domains.
func FullPermissions(domains ...string) PermissionSet {
	p := PermissionSet{
		Memory:     MemoryGrant{Read: true, Write: true},
		Agents:     AgentsGrant{Create: true, Execute: true},
		Models:     ModelsGrant{Execute: true},
		Filesystem: FilesystemGrant{Read: true, Write: true},
		UI:         UIGrant{Commands: true, Notifications: true},
	}
	if len(domains) > 0 {
		p.Network = &NetworkGrant{Domains: append([]string(nil), domains...)}
	}
	return p
}

// FromCapabilities builds a PermissionSet granting exactly caps. The network
// capability is only granted when domains is non-empty.
func FromCapabilities(caps []Capability, domains []string) PermissionSet {
	var p PermissionSet
	for _, c := range caps {
		if c == CapabilityNetworkExternal {
			if len(domains) > 0 {
				p.Network = &NetworkGrant{Domains: append([]string(nil), domains...)}
			}
			continue
		}
		p = p.with(c)
	}
	return p
}

// ParseRequested decodes a manifest's requestedCapabilities object. Each
// category maps to either a boolean or an object of actions; network takes
// {"domains": [...]} and rejects a bare boolean.
func ParseRequested(raw map[string]json.RawMessage) (PermissionSet, error) {
	var p PermissionSet

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cat := Category(name)
		field := "requestedCapabilities." + name
		if !IsValidCategory(cat) {
			return PermissionSet{}, &faults.ValidationError{Field: field, Reason: "unknown capability category"}
		}

		value := bytes.TrimSpace(raw[name])

		if cat == CategoryNetwork {
			grant, err := parseNetwork(field, value)
			if err != nil {
				return PermissionSet{}, err
			}
			p.Network = grant
			continue
		}

		var all bool
		if err := json.Unmarshal(value, &all); err == nil {
			if all {
				for _, action := range categoryActions[cat] {
					p = p.with(Capability(name + "." + action))
				}
			}
			continue
		}

		var actions map[string]bool
		if err := json.Unmarshal(value, &actions); err != nil {
			return PermissionSet{}, &faults.ValidationError{Field: field, Reason: "must be a boolean or an object of actions"}
		}
		for action, granted := range actions {
			c := Capability(name + "." + action)
			if !IsValidCapability(c) {
				return PermissionSet{}, &faults.ValidationError{Field: field + "." + action, Reason: "unknown capability"}
			}
			if granted {
				p = p.with(c)
			}
		}
	}
	return p, nil
}

func parseNetwork(field string, value []byte) (*NetworkGrant, error) {
	var off bool
	if err := json.Unmarshal(value, &off); err == nil {
		if off {
			return nil, &faults.ValidationError{Field: field, Reason: "network requires an explicit domains list"}
		}
		return nil, nil
	}

	var grant struct {
		Domains []string `json:"domains"`
	}
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&grant); err != nil {
		return nil, &faults.ValidationError{Field: field, Reason: fmt.Sprintf("invalid network grant: %v", err)}
	}
	if len(grant.Domains) == 0 {
		return nil, &faults.ValidationError{Field: field + ".domains", Reason: "at least one domain is required"}
	}

	domains := make([]string, 0, len(grant.Domains))
	for _, d := range grant.Domains {
		norm, err := NormalizeDomain(d)
		if err != nil {
			return nil, &faults.ValidationError{Field: field + ".domains", Reason: err.Error()}
		}
		domains = append(domains, norm)
	}
	return &NetworkGrant{Domains: domains}, nil
}

func (p PermissionSet) with(c Capability) PermissionSet {
	switch c {
	case CapabilityMemoryRead:
		p.Memory.Read = true
	case CapabilityMemoryWrite:
		p.Memory.Write = true
	case CapabilityAgentsCreate:
		p.Agents.Create = true
	case CapabilityAgentsExecute:
		p.Agents.Execute = true
	case CapabilityModelsExecute:
		p.Models.Execute = true
	case CapabilityFileRead:
		p.Filesystem.Read = true
	case CapabilityFileWrite:
		p.Filesystem.Write = true
	case CapabilityUICommands:
		p.UI.Commands = true
	case CapabilityUINotifications:
		p.UI.Notifications = true
	}
	return p
}

var domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)*[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// NormalizeDomain lowercases d and strips a trailing dot. Wildcards, ports,
// schemes and paths are rejected.
func NormalizeDomain(d string) (string, error) {
	norm := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
	if norm == "" {
		return "", fmt.Errorf("empty domain")
	}
	if strings.Contains(norm, "*") {
		return "", fmt.Errorf("wildcard domain %q is not supported", d)
	}
	if !domainPattern.MatchString(norm) {
		return "", fmt.Errorf("invalid domain %q", d)
	}
	return norm, nil
}

// MatchDomain reports whether host equals one of domains or is a subdomain of
// one. Matching is case-insensitive.
func MatchDomain(host string, domains []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, d := range domains {
		d = strings.TrimSuffix(strings.ToLower(d), ".")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
