package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// ErrUIFormat is returned when a document was saved from the ComfyUI editor
// instead of being exported with "Save (API Format)".
var ErrUIFormat = errors.New("workflow is in UI format: export it with \"Save (API Format)\" instead")

// keys that only appear at the top level of a UI (litegraph) document
var uiFormatKeys = []string{"last_node_id", "last_link_id", "nodes", "links"}

// Workflow is an API format ComfyUI prompt: node id -> node record.
type Workflow map[string]*Node

// Node is a single entry of an API format prompt
type Node struct {
	// Inputs values are one of:
	//	json.Number, string, bool, nil
	//	[]interface{} where: [0] is the string id of the source node
	//					     [1] is the output slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      *NodeMeta              `json:"_meta,omitempty"`
}

type NodeMeta struct {
	Title string `json:"title"`
}

// Parse decodes an API format workflow. Numbers are kept as json.Number so
// large seeds survive a decode/encode round trip untouched.
func Parse(r io.Reader) (Workflow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

func ParseBytes(data []byte) (Workflow, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("decoding workflow: %w", err)
	}
	for _, k := range uiFormatKeys {
		if _, ok := top[k]; ok {
			return nil, ErrUIFormat
		}
	}

	wf := make(Workflow, len(top))
	for id, raw := range top {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		node := &Node{}
		if err := dec.Decode(node); err != nil {
			return nil, fmt.Errorf("decoding node %s: %w", id, err)
		}
		if node.Inputs == nil {
			node.Inputs = make(map[string]interface{})
		}
		wf[id] = node
	}
	return wf, nil
}

// Node returns the node with the given id
func (w Workflow) Node(id string) (*Node, error) {
	n, ok := w[id]
	if !ok || n == nil {
		return nil, fmt.Errorf("node %q not found in workflow", id)
	}
	return n, nil
}

// Input returns the current value of a node input
func (w Workflow) Input(nodeID string, key string) (interface{}, error) {
	n, err := w.Node(nodeID)
	if err != nil {
		return nil, err
	}
	v, ok := n.Inputs[key]
	if !ok {
		return nil, fmt.Errorf("node %q (%s) has no input %q", nodeID, n.ClassType, key)
	}
	return v, nil
}

// SetInput overwrites an existing scalar input. Inputs that are missing or
// that hold a link to another node are refused so the graph shape never
// changes.
func (w Workflow) SetInput(nodeID string, key string, value interface{}) error {
	current, err := w.Input(nodeID, key)
	if err != nil {
		return err
	}
	if !IsScalar(current) {
		return fmt.Errorf("node %q input %q is a link, not a value", nodeID, key)
	}
	if !IsScalar(value) {
		return fmt.Errorf("node %q input %q: cannot set non scalar value of type %T", nodeID, key, value)
	}
	w[nodeID].Inputs[key] = value
	return nil
}

// IsScalar reports whether v is a leaf value (not a link or an object)
func IsScalar(v interface{}) bool {
	switch v.(type) {
	case nil, string, bool, json.Number,
		float32, float64, int, int32, int64, uint, uint32, uint64:
		return true
	}
	return false
}

// IsLink reports whether an input value is a [node id, slot] connection
func IsLink(v interface{}) bool {
	arr, ok := v.([]interface{})
	if !ok || len(arr) != 2 {
		return false
	}
	_, isID := arr[0].(string)
	return isID
}

// NodeIDs returns the node ids in numeric order where possible
func (w Workflow) NodeIDs() []string {
	ids := make([]string, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}

// NodesOfClass returns the ids of every node with the given class_type
func (w Workflow) NodesOfClass(classType string) []string {
	retv := make([]string, 0)
	for _, id := range w.NodeIDs() {
		if w[id].ClassType == classType {
			retv = append(retv, id)
		}
	}
	return retv
}

// Title is the node's _meta title, or its class type when it has none
func (n *Node) Title() string {
	if n.Meta != nil && n.Meta.Title != "" {
		return n.Meta.Title
	}
	return n.ClassType
}

// Clone returns a deep copy, so a patched workflow never aliases the one it
// came from.
func (w Workflow) Clone() (Workflow, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}
