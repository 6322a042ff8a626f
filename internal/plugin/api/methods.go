package api

import (
	"github.com/dshills/plugbox/internal/plugin/security"
	"github.com/dshills/plugbox/internal/services"
)

// Method names carried in api_call messages.
const (
	MethodReadFile         = "filesystem.read"
	MethodWriteFile        = "filesystem.write"
	MethodFetch            = "network.fetch"
	MethodCreateAgent      = "agents.create"
	MethodExecuteAgent     = "agents.execute"
	MethodExecuteModel     = "models.execute"
	MethodStoreMemory      = "memory.store"
	MethodSearchMemory     = "memory.search"
	MethodAddCommand       = "ui.addCommand"
	MethodShowNotification = "ui.showNotification"
)

// Operation is one row of the grant table: a surface entry, the RPC method it
// issues, and the capability that makes it present.
type Operation struct {
	Name       string
	Method     string
	Capability security.Capability
}

var operations = []Operation{
	{Name: "readFile", Method: MethodReadFile, Capability: security.CapabilityFileRead},
	{Name: "writeFile", Method: MethodWriteFile, Capability: security.CapabilityFileWrite},
	{Name: "fetch", Method: MethodFetch, Capability: security.CapabilityNetworkExternal},
	{Name: "createAgent", Method: MethodCreateAgent, Capability: security.CapabilityAgentsCreate},
	{Name: "executeAgent", Method: MethodExecuteAgent, Capability: security.CapabilityAgentsExecute},
	{Name: "executeModel", Method: MethodExecuteModel, Capability: security.CapabilityModelsExecute},
	{Name: "storeMemory", Method: MethodStoreMemory, Capability: security.CapabilityMemoryWrite},
	{Name: "searchMemory", Method: MethodSearchMemory, Capability: security.CapabilityMemoryRead},
	{Name: "addCommand", Method: MethodAddCommand, Capability: security.CapabilityUICommands},
	{Name: "showNotification", Method: MethodShowNotification, Capability: security.CapabilityUINotifications},
}

// Operations returns the full grant table.
func Operations() []Operation {
	return append([]Operation(nil), operations...)
}

// RequiredCapability returns the capability governing an RPC method.
func RequiredCapability(method string) (security.Capability, bool) {
	for _, op := range operations {
		if op.Method == method {
			return op.Capability, true
		}
	}
	return "", false
}

// ReadFileArgs are the arguments of filesystem.read.
type ReadFileArgs struct {
	Path string `json:"path"`
}

// ReadFileResult is the reply to filesystem.read.
type ReadFileResult struct {
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// WriteFileArgs are the arguments of filesystem.write.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileResult is the reply to filesystem.write.
type WriteFileResult struct {
	Bytes int64 `json:"bytes"`
}

// FetchArgs are the arguments of network.fetch.
type FetchArgs struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchResult is the reply to network.fetch.
type FetchResult struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body"`
	Truncated bool              `json:"truncated,omitempty"`
}

// CreateAgentArgs are the arguments of agents.create.
type CreateAgentArgs struct {
	Config services.AgentConfig `json:"config"`
}

// ExecuteAgentArgs are the arguments of agents.execute.
type ExecuteAgentArgs struct {
	AgentID string `json:"agentId"`
	Task    string `json:"task"`
}

// ExecuteModelArgs are the arguments of models.execute.
type ExecuteModelArgs struct {
	ModelID string                `json:"modelId"`
	Prompt  string                `json:"prompt"`
	Options services.ModelOptions `json:"options"`
}

// StoreMemoryArgs are the arguments of memory.store.
type StoreMemoryArgs struct {
	Content  string            `json:"content"`
	Type     string            `json:"type,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SearchMemoryArgs are the arguments of memory.search.
type SearchMemoryArgs struct {
	Query   string                 `json:"query"`
	Options services.SearchOptions `json:"options"`
}

// AddCommandArgs are the arguments of ui.addCommand.
type AddCommandArgs struct {
	Command services.Command `json:"command"`
}

// ShowNotificationArgs are the arguments of ui.showNotification.
type ShowNotificationArgs struct {
	Notification services.Notification `json:"notification"`
}
