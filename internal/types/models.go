// internal/types/models.go
package types

import (
	"time"

	"github.com/user/chatflow/pkg/llm"
)

// Message is one stored node of a conversation's message tree. Messages
// form a tree through ParentID; the path from a leaf to the root is one
// linear conversation branch.
type Message struct {
	ID             MessageID         `json:"id"`
	ConversationID ConversationID    `json:"conversation_id"`
	ParentID       MessageID         `json:"parent_id,omitempty"`
	Role           string            `json:"role"`
	Text           string            `json:"text"`
	Parts          []llm.ContentPart `json:"parts,omitempty"`
	Files          []FileAttachment  `json:"files,omitempty"`
	FileContext    string            `json:"file_context,omitempty"`
	TokenCount     *int              `json:"token_count,omitempty"`
	AgentID        AgentID           `json:"agent_id,omitempty"`
	Summary        bool              `json:"summary,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// FileAttachment is a user-supplied file carried on a message. Data holds
// the raw bytes; document text is extracted from it per turn.
type FileAttachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
}

// AgentCapabilities flags the optional feature surfaces bound to an agent.
type AgentCapabilities struct {
	Artifacts   bool     `yaml:"artifacts" json:"artifacts"`
	ExecuteCode bool     `yaml:"execute_code" json:"execute_code"`
	MCPServers  []string `yaml:"mcp_servers" json:"mcp_servers,omitempty"`
}

// AgentSpec describes one agent: its identity, backend, instructions, and
// optional outgoing chain edges. Edges indicate a multi-agent chain; the
// first agent in a resolved chain is authoritative for run configuration.
type AgentSpec struct {
	ID                     AgentID           `yaml:"id" json:"id"`
	Name                   string            `yaml:"name" json:"name"`
	Provider               string            `yaml:"provider" json:"provider"`
	Model                  string            `yaml:"model" json:"model"`
	Instructions           string            `yaml:"instructions" json:"instructions"`
	AdditionalInstructions string            `yaml:"additional_instructions" json:"additional_instructions,omitempty"`
	Tools                  []string          `yaml:"tools" json:"tools,omitempty"`
	Edges                  []AgentID         `yaml:"edges" json:"edges,omitempty"`
	RecursionLimit         *int              `yaml:"recursion_limit" json:"recursion_limit,omitempty"`
	HideSequentialOutputs  bool              `yaml:"hide_sequential_outputs" json:"hide_sequential_outputs,omitempty"`
	Capabilities           AgentCapabilities `yaml:"capabilities" json:"capabilities"`
}

// ResponseMetadata is the optional metadata attached to a completion for
// audit and attribution.
type ResponseMetadata struct {
	AgentIDMap        map[int]string        `json:"agent_id_map,omitempty"`
	GuardrailTracking map[string]any        `json:"guardrail_tracking,omitempty"`
	ContextBreakdown  *llm.ContextBreakdown `json:"context_breakdown,omitempty"`
}

// CompletionPayload is the inbound request for one turn.
type CompletionPayload struct {
	ConversationID ConversationID   `json:"conversation_id"`
	UserID         UserID           `json:"user_id"`
	AgentID        AgentID          `json:"agent_id"`
	Text           string           `json:"text"`
	Files          []FileAttachment `json:"files,omitempty"`
	ParentID       MessageID        `json:"parent_id,omitempty"`
}
