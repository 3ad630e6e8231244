package model

// ChatResponse is the normalized output of a generation, either a delta or
// the accumulated whole.
type ChatResponse struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	FuncCalls []FuncCall `json:"func_calls,omitempty"`
}

// Empty reports whether the response carries no text and no calls.
func (r ChatResponse) Empty() bool {
	return r.Content == "" && r.Thinking == "" && len(r.FuncCalls) == 0
}

// ProgressKind enumerates generation progress events.
type ProgressKind string

const (
	ProgressIdle       ProgressKind = "idle"
	ProgressGenerating ProgressKind = "generating"
	ProgressGenerated  ProgressKind = "generated"
	ProgressErr        ProgressKind = "error"
	ProgressFinished   ProgressKind = "finished"
)

// Progress is one event of a generation. Generating carries a delta,
// Generated the authoritative final response, Err a message.
type Progress struct {
	Kind      ProgressKind  `json:"kind"`
	NodeID    string        `json:"node_id,omitempty"`
	Response  *ChatResponse `json:"response,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind FailureKind   `json:"error_kind,omitempty"`
}
