// Package router implements the Router Core (spec.md §4.4): it owns the
// upstream connection pool, maintains the filtered virtual tool table per
// role, handles role switches, and routes JSON-RPC tool calls through
// access control, rate limiting and the routing strategy engine.
package router

import (
	"time"

	"github.com/Shin0205go/mycelium-sub002/internal/rpc"
)

const setRoleToolName = "set_role"

// ToolInfo is one discovered upstream tool, keyed in the virtual table by
// its prefixed name.
type ToolInfo struct {
	Descriptor   rpc.ToolDescriptor
	Server       string
	PrefixedName string
	Visible      bool
	Reason       string
}

// UpstreamDescriptor is the router's view of one connected upstream, used
// in RouterState and the AgentManifest's active-server list.
type UpstreamDescriptor struct {
	Name          string
	Connected     bool
	ActiveForRole bool
	ToolCount     int
	Health        string
	LastActivity  time.Time
}

// RouterState is the router's current snapshot, returned by state
// accessors (spec.md §3 RouterState).
type RouterState struct {
	CurrentRole     string
	Roles           []string
	Upstreams       map[string]UpstreamDescriptor
	VisibleTools    map[string]ToolInfo
	SessionID       string
	RoleSwitchCount int
	InitializedAt   time.Time
	LastRoleSwitch  time.Time
}

// SetRoleOptions is the input to SetRole.
type SetRoleOptions struct {
	RoleID          string
	IncludeFallback string // used if the role's remote instruction fetch fails
}

// AgentManifest is the response returned by set_role (spec.md glossary).
type AgentManifest struct {
	RoleID            string                `json:"roleId"`
	DisplayName       string                `json:"displayName"`
	SystemInstruction string                `json:"systemInstruction"`
	VisibleTools      []rpc.ToolDescriptor  `json:"visibleTools"`
	ActiveServers     []string              `json:"activeServers"`
	Metadata          AgentManifestMetadata `json:"metadata"`
}

// AgentManifestMetadata is the manifest's metadata block.
type AgentManifestMetadata struct {
	GeneratedAt  time.Time `json:"generatedAt"`
	ToolCount    int       `json:"toolCount"`
	ServerCount  int       `json:"serverCount"`
	ToolsChanged bool      `json:"toolsChanged"`
}

// ToolsChangedEvent is delivered to the registered tools-changed callback
// strictly after the role-switch response that triggered it.
type ToolsChangedEvent struct {
	Added   []string
	Removed []string
}

