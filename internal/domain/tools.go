package domain

import "encoding/json"

// ToolDescriptor describes one callable operation on a server. Tools are
// discovered lazily: the orchestrator does not know a server's tools until
// it first connects and issues a listing call.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// DetailLevel selects how much a description response carries.
type DetailLevel string

const (
	// DetailSummary returns tool names and descriptions only.
	DetailSummary DetailLevel = "summary"
	// DetailSchema additionally returns input schemas.
	DetailSchema DetailLevel = "schema"
	// DetailFull additionally includes descriptor-level trust metadata.
	DetailFull DetailLevel = "full"
)

// ServerDescription is the result of describing one server. Meta is set only
// at DetailFull.
type ServerDescription struct {
	ServerID string           `json:"serverId"`
	Tools    []ToolDescriptor `json:"tools"`
	Meta     *DescriptionMeta `json:"meta,omitempty"`
}

// DescriptionMeta carries the descriptor-level metadata included at full
// detail.
type DescriptionMeta struct {
	Title       string      `json:"title"`
	Summary     string      `json:"summary,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Visibility  Visibility  `json:"visibility"`
	Examples    []string    `json:"examples,omitempty"`
}
