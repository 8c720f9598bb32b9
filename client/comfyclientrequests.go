package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/richinsley/comfypredict/workflow"
)

/*
@routes.get("/embeddings")
@routes.get("/extensions")
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/prompt")
@routes.get("/object_info")
@routes.get("/history")
@routes.get("/history/{prompt_id}")
@routes.get("/queue")

@routes.post("/prompt")
@routes.post("/queue")
@routes.post("/interrupt")
@routes.post("/history")
@routes.post("/upload/image")
*/

func (c *ComfyClient) do(ctx context.Context, method string, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.httpclient.Do(req)
}

// getJSON decodes the body of a GET into out, failing on non 200 replies
func (c *ComfyClient) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// postJSON sends data and discards the reply
func (c *ComfyClient) postJSON(ctx context.Context, path string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// IsServerRunning reports whether the server answers its history endpoint
func (c *ComfyClient) IsServerRunning(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/history/123", nil, "")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, "/system_stats", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

type internalPromptHistoryItem struct {
	// The prompt is stored as an array layed out like this:
	// [
	// 	[0] index 		int,
	// 	[1] promptID 	string,
	// 	[2] prompt 		map[string]workflow.Node,
	// 	[3] extra_data 	map[string]interface{},
	//  [4] outputs     []string 						// array of nodeIDs that have outputs
	// ]
	Prompt  []interface{}                       `json:"prompt"`
	Outputs map[string]map[string][]interface{} `json:"outputs"`
	Status  PromptHistoryStatus                 `json:"status"`
}

func (ph *internalPromptHistoryItem) toItem(promptID string) PromptHistoryItem {
	item := PromptHistoryItem{
		PromptID: promptID,
		Outputs:  make(map[string][]DataOutput),
		Status:   ph.Status,
	}
	if len(ph.Prompt) > 0 {
		if idx, ok := ph.Prompt[0].(float64); ok {
			item.Index = int(idx)
		}
	}
	for nodeID, kinds := range ph.Outputs {
		for _, kind := range sortedKeys(kinds) {
			for _, v := range kinds[kind] {
				entry, ok := v.(map[string]interface{})
				if !ok {
					continue
				}
				filename, _ := entry["filename"].(string)
				subfolder, _ := entry["subfolder"].(string)
				filetype, _ := entry["type"].(string)
				if filename == "" {
					continue
				}
				item.Outputs[nodeID] = append(item.Outputs[nodeID], DataOutput{
					Filename:  filename,
					Subfolder: subfolder,
					Type:      filetype,
				})
			}
		}
	}
	return item
}

// GetPromptHistory returns the history entry of one prompt
func (c *ComfyClient) GetPromptHistory(ctx context.Context, promptID string) (*PromptHistoryItem, error) {
	history := make(map[string]internalPromptHistoryItem)
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &history); err != nil {
		return nil, err
	}
	ph, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("prompt %s not found in history", promptID)
	}
	item := ph.toItem(promptID)
	return &item, nil
}

// GetPromptHistoryByIndex returns the whole history ordered by queue index.
// ComfyUI does not recalculate the indicies of history items, so they may
// not be ordered 0..n
func (c *ComfyClient) GetPromptHistoryByIndex(ctx context.Context) ([]PromptHistoryItem, error) {
	history := make(map[string]internalPromptHistoryItem)
	if err := c.getJSON(ctx, "/history", &history); err != nil {
		return nil, err
	}

	retv := make([]PromptHistoryItem, 0, len(history))
	for id, ph := range history {
		retv = append(retv, ph.toItem(id))
	}
	sort.Slice(retv, func(i, j int) bool {
		return retv[i].Index < retv[j].Index
	})
	return retv, nil
}

// GetImage downloads an output file
func (c *ComfyClient) GetImage(ctx context.Context, image_data DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", image_data.Filename)
	params.Add("subfolder", image_data.Subfolder)
	params.Add("type", image_data.Type)
	resp, err := c.do(ctx, http.MethodGet, "/view?"+params.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("view %s: %s", image_data.Filename, resp.Status)
	}
	return body, nil
}

// GetEmbeddings retrieves the list of Embeddings models installed on the ComfyUI server.
func (c *ComfyClient) GetEmbeddings(ctx context.Context) ([]string, error) {
	retv := make([]string, 0)
	if err := c.getJSON(ctx, "/embeddings", &retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetExtensions retrieves the list of extensions installed on the ComfyUI server.
func (c *ComfyClient) GetExtensions(ctx context.Context) ([]string, error) {
	retv := make([]string, 0)
	if err := c.getJSON(ctx, "/extensions", &retv); err != nil {
		return nil, err
	}
	return retv, nil
}

func (c *ComfyClient) GetQueueExecutionInfo(ctx context.Context) (*QueueExecInfo, error) {
	queue_exec := &QueueExecInfo{}
	if err := c.getJSON(ctx, "/prompt", queue_exec); err != nil {
		return nil, err
	}
	return queue_exec, nil
}

// GetObjectInfos returns the node classes the server knows, by class type
func (c *ComfyClient) GetObjectInfos(ctx context.Context) (map[string]NodeObjectInfo, error) {
	result := make(map[string]NodeObjectInfo)
	if err := c.getJSON(ctx, "/object_info", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// QueuePrompt submits wf for execution. The returned QueueItem receives the
// prompt's messages while the websocket is connected.
func (c *ComfyClient) QueuePrompt(ctx context.Context, wf workflow.Workflow) (*QueueItem, error) {
	if err := c.CheckConnection(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(map[string]interface{}{
		"prompt":    wf,
		"client_id": c.clientid,
	})
	if err != nil {
		return nil, err
	}

	// hold the lock while posting so the websocket cannot deliver messages
	// about this prompt before it is registered
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.do(ctx, http.MethodPost, "/prompt", bytes.NewReader(data), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		// {"error": {"type": "prompt_outputs_failed_validation",
		//				"message": "Prompt outputs failed validation",
		//				"details": "",
		//				"extra_info": {}
		//			  },
		// "node_errors": {"12": {...}}
		// }
		perror := &PromptErrorMessage{}
		if perr := json.Unmarshal(body, perror); perr != nil || perror.Error.Message == "" {
			slog.Error("error unmarshalling prompt error", "body", string(body))
			return nil, fmt.Errorf("queueing prompt: %s", resp.Status)
		}
		msg := perror.Error.Message
		if len(perror.NodeErrors) > 0 && string(perror.NodeErrors) != "{}" && string(perror.NodeErrors) != "[]" {
			msg += ": " + string(perror.NodeErrors)
		}
		return nil, errors.New(msg)
	}

	item := newQueueItem(c, wf)
	if err := json.Unmarshal(body, item); err != nil {
		return nil, err
	}
	if item.PromptID == "" {
		return nil, fmt.Errorf("queueing prompt: no prompt_id in reply %s", string(body))
	}
	c.queueditems[item.PromptID] = item
	slog.Info("Queued prompt", "prompt_id", item.PromptID, "number", item.Number)
	return item, nil
}

func (c *ComfyClient) Interrupt(ctx context.Context) error {
	return c.postJSON(ctx, "/interrupt", map[string]interface{}{})
}

// ClearQueue drops every pending prompt of the server
func (c *ComfyClient) ClearQueue(ctx context.Context) error {
	return c.postJSON(ctx, "/queue", map[string]interface{}{"clear": true})
}

func (c *ComfyClient) EraseHistory(ctx context.Context) error {
	return c.postJSON(ctx, "/history", map[string]interface{}{"clear": true})
}

func (c *ComfyClient) EraseHistoryItem(ctx context.Context, promptID string) error {
	// delete takes an array of IDs. We'll provide a single ID
	return c.postJSON(ctx, "/history", map[string]interface{}{"delete": []string{promptID}})
}
