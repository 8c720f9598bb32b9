package client

import "encoding/json"

// There may be other DataOutput types.  We definitely need a text type

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Text      string `json:"-"` // for "text" type data output
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version"`
	RAMTotal       int64  `json:"ram_total"`
	RAMFree        int64  `json:"ram_free"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

type QueueExecInfo struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// NodeObjectInfo is the part of /object_info we care about
type NodeObjectInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
	OutputNode  bool   `json:"output_node"`
}

type PromptHistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

type PromptHistoryItem struct {
	PromptID string
	Index    int
	// node id -> files written by that node
	Outputs map[string][]DataOutput
	Status  PromptHistoryStatus
}

// Files returns every file output of the given type ("output", "temp"),
// ordered by node id then position.
func (h *PromptHistoryItem) Files(filetype string) []DataOutput {
	retv := make([]DataOutput, 0)
	for _, id := range sortedKeys(h.Outputs) {
		for _, o := range h.Outputs[id] {
			if o.Filename != "" && (filetype == "" || o.Type == filetype) {
				retv = append(retv, o)
			}
		}
	}
	return retv
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

type PromptErrorMessage struct {
	Error      PromptError     `json:"error"`
	NodeErrors json.RawMessage `json:"node_errors"`
}
