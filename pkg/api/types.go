package api

import "encoding/json"

// Wire types shared by the orchestrator, its CLI client and agents.

// AuthHeader carries the shared secret on every authenticated request, both
// client → orchestrator and orchestrator → agent.
const AuthHeader = "X-API-Key"

// RequestIDHeader correlates a dispatched call with the control-plane request that caused it.
const RequestIDHeader = "X-Request-ID"

// Agent endpoints.
const (
	HeartbeatPath  = "/heartbeat"
	ListScriptPath = "/get-scripts"
	RunScriptPath  = "/run-script"
)

type RegisterAgentRequest struct {
	AgentName string `json:"agent_name"`
	URL       string `json:"url"`
	APIKey    string `json:"api_key"`
}

type RegisterAgentResponse struct {
	Status string `json:"status"`
	Agent  string `json:"agent"`
}

// AgentInfo is one value of the GET /get-agents map.
type AgentInfo struct {
	URL      string `json:"url"`
	LastSeen string `json:"last_seen"`
}

// AgentStatusInfo is one value of the GET /agent-status map.
type AgentStatusInfo struct {
	URL         string  `json:"url"`
	LastSeen    string  `json:"last_seen"`
	Status      string  `json:"status"`
	LastChecked *string `json:"last_checked"`
}

type TriggerScriptRequest struct {
	RunScript string `json:"run_script"`
	Agent     string `json:"agent"`
}

// TriggerScriptResponse wraps the agent's run-script body, passed through
// untouched. Agents following the contract send a RunScriptReply.
type TriggerScriptResponse struct {
	Status string          `json:"status"`
	Agent  string          `json:"agent"`
	Output json.RawMessage `json:"output"`
}

type HealthResponse struct {
	Status           string `json:"status"`
	Timestamp        string `json:"timestamp"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	RegisteredAgents int    `json:"registered_agents"`
	Registry         string `json:"registry,omitempty"`
}

type ReadFileResponse struct {
	Content string `json:"content"`
}

// ErrorResponse is the body of every non-2xx orchestrator response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Manifest lists the scripts an agent is allowed to run.
type Manifest struct {
	Scripts []ManifestEntry `json:"scripts" yaml:"scripts"`
}

type ManifestEntry struct {
	Name        string   `json:"name" yaml:"name"`
	Path        string   `json:"path" yaml:"path"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Interpreter string   `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	Args        []string `json:"args,omitempty" yaml:"args,omitempty"`
}

type RunScriptRequest struct {
	ScriptName string `json:"script_name"`
}

// RunScriptReply is the agent's success body for POST /run-script.
type RunScriptReply struct {
	Status string       `json:"status"`
	Script string       `json:"script"`
	Output ScriptOutput `json:"output"`
}

type ScriptOutput struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
}

// RunScriptFailure is the agent's body when a script exits non-zero.
type RunScriptFailure struct {
	Error      string `json:"error"`
	Script     string `json:"script,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ReturnCode int    `json:"returncode,omitempty"`
}

type HeartbeatResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Agent     string `json:"agent"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version,omitempty"`
}
