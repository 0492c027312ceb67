package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindTask       NodeKind = "task"
	NodeKindReplayable NodeKind = "replayable"
	NodeKindStart      NodeKind = "start"
	NodeKindEnd        NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single state in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status           string // from schema.Status
	ExecutionVersion int64
	AttemptedRetries int64
}

// Edge is a dependency between two nodes, labelled with the event carrying it.
type Edge struct {
	From  string
	To    string
	Label string
}
