package prompt

import (
	"strings"

	"github.com/user/chatflow/internal/tokens"
	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
)

// toolRoutingBlock disambiguates the artifact surface from the code
// execution tool. It is emitted only when both are enabled, since each
// surface carries its own instructions and they overlap.
const toolRoutingBlock = `## Tool Routing

You have both an artifacts surface and a code execution tool. Use artifacts for content the user will read or keep (documents, components, long code). Use the code execution tool only when the code must actually run to answer the question. Never produce the same content through both.`

// codeExecutorBlock describes the code execution capability.
const codeExecutorBlock = `## Code Execution

You can execute code in a sandboxed environment. State the language explicitly, keep programs self-contained, and read the execution output before answering. If execution fails, show the error and correct the program rather than guessing.`

// mcpBlockHeader precedes the fetched tool-server instructions.
const mcpBlockHeader = `## Connected Tool Servers

The following tool servers are connected to this conversation:`

// SystemParts carries the per-turn inputs to system-content assembly that
// are not derived from the agent spec itself.
type SystemParts struct {
	Branding        string
	MCPInstructions string
	GuardrailNote   string
}

// BuildSystemContent concatenates the system prompt in fixed order:
// branding, tool routing (only when artifacts and code execution are both
// enabled), agent instructions plus additional instructions, the code
// executor block, and the tool-server block. Memory never enters this
// string; it is injected downstream as conversation messages so the system
// prompt stays byte-stable across turns.
func BuildSystemContent(agent *types.AgentSpec, parts SystemParts, counter *tokens.Counter) (string, llm.ContextBreakdown) {
	var sections []string
	var bd llm.ContextBreakdown

	count := func(s string) int {
		if counter == nil {
			return 0
		}
		return counter.GetTokenCount(s)
	}

	if parts.Branding != "" {
		sections = append(sections, parts.Branding)
		bd.Branding = count(parts.Branding)
	}

	if agent.Capabilities.Artifacts && agent.Capabilities.ExecuteCode {
		sections = append(sections, toolRoutingBlock)
		bd.ToolRouting = count(toolRoutingBlock)
	}

	instructions := agent.Instructions
	if agent.AdditionalInstructions != "" {
		instructions = instructions + "\n\n" + agent.AdditionalInstructions
	}
	if instructions != "" {
		sections = append(sections, instructions)
		bd.Instructions = count(instructions)
	}

	if agent.Capabilities.ExecuteCode {
		sections = append(sections, codeExecutorBlock)
	}

	if len(agent.Capabilities.MCPServers) > 0 && parts.MCPInstructions != "" {
		block := mcpBlockHeader + "\n\n" + parts.MCPInstructions
		sections = append(sections, block)
		bd.MCP = count(block)
	}

	if parts.GuardrailNote != "" {
		sections = append(sections, parts.GuardrailNote)
	}

	return strings.Join(sections, "\n\n"), bd
}
