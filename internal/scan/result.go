package scan

// Kind is the classification of one scan attempt.
type Kind int

const (
	Clean Kind = iota
	Infected
	EngineError
	FileUnreadable
)

func (k Kind) String() string {
	switch k {
	case Clean:
		return "clean"
	case Infected:
		return "infected"
	case EngineError:
		return "engine_error"
	case FileUnreadable:
		return "unreadable"
	default:
		return "unknown"
	}
}

// Result is exactly one variant per attempt. Signature is set only for
// Infected and is never empty there; Message is set for EngineError and
// FileUnreadable.
type Result struct {
	Path      string `json:"path"`
	Kind      Kind   `json:"-"`
	Signature string `json:"signature,omitempty"`
	Message   string `json:"message,omitempty"`
}

func CleanResult(path string) Result {
	return Result{Path: path, Kind: Clean}
}

func InfectedResult(path, signature string) Result {
	return Result{Path: path, Kind: Infected, Signature: signature}
}

func EngineErrorResult(path, message string) Result {
	return Result{Path: path, Kind: EngineError, Message: message}
}

func UnreadableResult(path, message string) Result {
	return Result{Path: path, Kind: FileUnreadable, Message: message}
}
