package core

import (
	"encoding/json"
	"time"
)

// NodeMeta holds optional editor metadata attached to a node.
type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// Node is one entry of a generation graph. Inputs are heterogeneous: scalars,
// strings and link arrays such as ["4", 0].
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      *NodeMeta      `json:"_meta,omitempty"`
}

// DisplayName returns the editor title when present, otherwise the class type.
func (n *Node) DisplayName() string {
	if n.Meta != nil && n.Meta.Title != "" {
		return n.Meta.Title
	}
	return n.ClassType
}

// Graph is the job payload submitted to the generation server, keyed by node id.
type Graph map[string]*Node

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	if g == nil {
		return nil
	}
	out := make(Graph, len(g))
	for id, node := range g {
		if node == nil {
			out[id] = nil
			continue
		}
		cp := &Node{ClassType: node.ClassType}
		if node.Inputs != nil {
			cp.Inputs = make(map[string]any, len(node.Inputs))
			for k, v := range node.Inputs {
				cp.Inputs[k] = cloneValue(v)
			}
		}
		if node.Meta != nil {
			meta := *node.Meta
			cp.Meta = &meta
		}
		out[id] = cp
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, inner := range val {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return val
	}
}

// ParseGraph decodes an API-format workflow document.
func ParseGraph(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	for id, node := range g {
		if node == nil || node.ClassType == "" {
			return nil, &ValidationError{Field: "workflow", Message: "node " + id + " has no class_type"}
		}
	}
	return g, nil
}

// WorkflowMetadata carries usage information about a library workflow.
type WorkflowMetadata struct {
	NodeCount         int        `json:"nodeCount"`
	EstimatedDuration *int       `json:"estimatedDuration,omitempty"`
	Description       string     `json:"description,omitempty"`
	LastExecuted      *time.Time `json:"lastExecuted,omitempty"`
	ExecutionCount    int        `json:"executionCount"`
}

// Workflow is a job template stored in the library.
type Workflow struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	FileName  string           `json:"fileName"`
	Graph     Graph            `json:"workflow"`
	Tags      []string         `json:"tags"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Metadata  WorkflowMetadata `json:"metadata"`
}

// HasTag reports whether the workflow carries tag.
func (w *Workflow) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// CreateWorkflowInput describes a workflow upload.
type CreateWorkflowInput struct {
	Name        string   `json:"name"`
	FileName    string   `json:"fileName"`
	Graph       Graph    `json:"workflow"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
}

// UpdateWorkflowInput renames or retags a workflow.
type UpdateWorkflowInput struct {
	Name        *string   `json:"name,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	Description *string   `json:"description,omitempty"`
}
