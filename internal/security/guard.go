// Package security decides whether an actor may touch the filesystem, run a
// binary or use the network. Each actor is described by a Descriptor holding
// its capabilities, optional allow lists and an optional CEL policy rule that
// is consulted after the static checks pass.
package security

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/rendis/agentloom/internal/logging"
	"github.com/rendis/agentloom/pkg/schema"
)

// Capability is a coarse permission granted to an actor.
type Capability string

const (
	CapReadFS      Capability = "read_fs"
	CapWriteFS     Capability = "write_fs"
	CapExec        Capability = "exec"
	CapNetOutbound Capability = "net_outbound"
	CapNetInbound  Capability = "net_inbound"
)

var validCapabilities = map[Capability]bool{
	CapReadFS:      true,
	CapWriteFS:     true,
	CapExec:        true,
	CapNetOutbound: true,
	CapNetInbound:  true,
}

// Access is the kind of filesystem access being checked.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

// Policy actions passed to CEL rules.
const (
	ActionCapability  = "capability"
	ActionFSRead      = "fs.read"
	ActionFSWrite     = "fs.write"
	ActionExec        = "exec"
	ActionNetOutbound = "net.outbound"
	ActionNetInbound  = "net.inbound"
	ActionOp          = "op"
)

// Descriptor is the security profile of one actor. Empty allow lists do not
// restrict.
type Descriptor struct {
	ActorID       string       `json:"actor_id" yaml:"actor_id"`
	Capabilities  []Capability `json:"capabilities" yaml:"capabilities"`
	FSAllowList   []string     `json:"fs_allow_list,omitempty" yaml:"fs_allow_list"`
	ExecAllowList []string     `json:"exec_allow_list,omitempty" yaml:"exec_allow_list"`
	// DenyNetworkOutbound and DenyNetworkInbound switch network access off
	// even when the capability is granted.
	DenyNetworkOutbound bool `json:"deny_network_outbound,omitempty" yaml:"deny_network_outbound"`
	DenyNetworkInbound  bool `json:"deny_network_inbound,omitempty" yaml:"deny_network_inbound"`
	// Policy is a CEL boolean expression over actor, action and target.
	Policy string `json:"policy,omitempty" yaml:"policy"`
}

func (d *Descriptor) has(c Capability) bool {
	return slices.Contains(d.Capabilities, c)
}

// Guard holds descriptors and answers permission checks. Every denial is a
// PERMISSION_DENIED error.
type Guard struct {
	logger   *slog.Logger
	policies *policyEngine

	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// NewGuard creates an empty Guard.
func NewGuard(logger *slog.Logger) (*Guard, error) {
	policies, err := newPolicyEngine()
	if err != nil {
		return nil, err
	}
	return &Guard{
		logger:      logging.OrDiscard(logger).With(slog.String("component", "security")),
		policies:    policies,
		descriptors: make(map[string]*Descriptor),
	}, nil
}

// Register stores d, replacing any previous descriptor for the same actor.
// The policy rule, if any, is compiled up front.
func (g *Guard) Register(d Descriptor) error {
	if d.ActorID == "" {
		return schema.NewError(schema.ErrCodeValidation, "descriptor actor id is required")
	}
	for _, c := range d.Capabilities {
		if !validCapabilities[c] {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown capability %q for actor %q", c, d.ActorID)
		}
	}
	if d.Policy != "" {
		if _, err := g.policies.compile(d.Policy); err != nil {
			return err
		}
	}

	d.Capabilities = slices.Clone(d.Capabilities)
	d.FSAllowList = slices.Clone(d.FSAllowList)
	d.ExecAllowList = slices.Clone(d.ExecAllowList)

	g.mu.Lock()
	g.descriptors[d.ActorID] = &d
	g.mu.Unlock()
	return nil
}

// Unregister removes the descriptor for actorID.
func (g *Guard) Unregister(actorID string) {
	g.mu.Lock()
	delete(g.descriptors, actorID)
	g.mu.Unlock()
}

// Descriptor returns a copy of the descriptor registered for actorID.
func (g *Guard) Descriptor(actorID string) (Descriptor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.descriptors[actorID]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// CheckCapability fails unless actorID holds c.
func (g *Guard) CheckCapability(actorID string, c Capability) error {
	d, err := g.lookup(actorID)
	if err != nil {
		return err
	}
	if !d.has(c) {
		return g.deny(actorID, ActionCapability, string(c), "actor %q lacks capability %q", actorID, c)
	}
	return g.policy(d, ActionCapability, string(c))
}

// CheckFS checks filesystem access to path. Reads need read_fs, writes need
// write_fs, and the resolved path must lie under an allow-list entry.
func (g *Guard) CheckFS(actorID, path string, access Access) error {
	d, err := g.lookup(actorID)
	if err != nil {
		return err
	}
	capability, action := CapReadFS, ActionFSRead
	if access == AccessWrite {
		capability, action = CapWriteFS, ActionFSWrite
	}
	if !d.has(capability) {
		return g.deny(actorID, action, path, "actor %q cannot %s the filesystem", actorID, accessVerb(access))
	}

	target, err := resolveCleanPath(path)
	if err != nil {
		return g.deny(actorID, action, path, "invalid path %q: %v", path, err)
	}
	if len(d.FSAllowList) > 0 {
		allowed := false
		for _, entry := range d.FSAllowList {
			base, err := resolveCleanPath(entry)
			if err != nil {
				continue
			}
			if isUnderPath(target, base) {
				allowed = true
				break
			}
		}
		if !allowed {
			return g.deny(actorID, action, target, "path %q is not permitted", path)
		}
	}
	return g.policy(d, action, target)
}

// CheckExec checks that actorID may run binary. With an allow list the
// resolved binary must match an entry exactly.
func (g *Guard) CheckExec(actorID, binary string) error {
	d, err := g.lookup(actorID)
	if err != nil {
		return err
	}
	if !d.has(CapExec) {
		return g.deny(actorID, ActionExec, binary, "actor %q cannot execute processes", actorID)
	}

	target, err := resolveCleanPath(binary)
	if err != nil {
		return g.deny(actorID, ActionExec, binary, "invalid binary path %q: %v", binary, err)
	}
	if len(d.ExecAllowList) > 0 {
		allowed := slices.ContainsFunc(d.ExecAllowList, func(entry string) bool {
			resolved, err := resolveCleanPath(entry)
			return err == nil && resolved == target
		})
		if !allowed {
			return g.deny(actorID, ActionExec, target, "binary %q is not permitted", binary)
		}
	}
	return g.policy(d, ActionExec, target)
}

// CheckNetworkOutbound checks that actorID may open connections to host.
// host is only used by the policy rule and may be empty.
func (g *Guard) CheckNetworkOutbound(actorID, host string) error {
	d, err := g.lookup(actorID)
	if err != nil {
		return err
	}
	if !d.has(CapNetOutbound) {
		return g.deny(actorID, ActionNetOutbound, host, "actor %q cannot access outbound network", actorID)
	}
	if d.DenyNetworkOutbound {
		return g.deny(actorID, ActionNetOutbound, host, "outbound network access disabled for actor %q", actorID)
	}
	return g.policy(d, ActionNetOutbound, host)
}

// CheckNetworkInbound checks that actorID may accept connections on addr.
func (g *Guard) CheckNetworkInbound(actorID, addr string) error {
	d, err := g.lookup(actorID)
	if err != nil {
		return err
	}
	if !d.has(CapNetInbound) {
		return g.deny(actorID, ActionNetInbound, addr, "actor %q cannot receive inbound network", actorID)
	}
	if d.DenyNetworkInbound {
		return g.deny(actorID, ActionNetInbound, addr, "inbound network access disabled for actor %q", actorID)
	}
	return g.policy(d, ActionNetInbound, addr)
}

// CheckAction consults only the actor's policy rule, for actions that have no
// capability of their own such as worker ops. Actors without a policy are
// allowed.
func (g *Guard) CheckAction(actorID, action, target string) error {
	d, err := g.lookup(actorID)
	if err != nil {
		return err
	}
	return g.policy(d, action, target)
}

func (g *Guard) lookup(actorID string) (*Descriptor, error) {
	g.mu.RLock()
	d, ok := g.descriptors[actorID]
	g.mu.RUnlock()
	if !ok {
		return nil, g.deny(actorID, "", "", "no security descriptor for actor %q", actorID)
	}
	return d, nil
}

func (g *Guard) policy(d *Descriptor, action, target string) error {
	if d.Policy == "" {
		return nil
	}
	allowed, err := g.policies.allow(d.Policy, d, action, target)
	if err != nil {
		denied := schema.NewErrorf(schema.ErrCodePermissionDenied, "policy for actor %q failed: %v", d.ActorID, err).WithCause(err)
		g.logDenial(d.ActorID, action, target, denied)
		return denied
	}
	if !allowed {
		return g.deny(d.ActorID, action, target, "policy denied %s on %q for actor %q", action, target, d.ActorID)
	}
	return nil
}

func (g *Guard) deny(actorID, action, target, format string, args ...any) error {
	err := schema.NewErrorf(schema.ErrCodePermissionDenied, format, args...).
		WithDetails(map[string]any{"actor_id": actorID, "action": action, "target": target})
	g.logDenial(actorID, action, target, err)
	return err
}

func (g *Guard) logDenial(actorID, action, target string, err error) {
	g.logger.Warn("permission denied",
		slog.String("actor_id", actorID),
		slog.String("action", action),
		slog.String("target", target),
		slog.String("error", err.Error()),
	)
}

func accessVerb(a Access) string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}
