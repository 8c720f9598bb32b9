package client

import (
	"encoding/json"
	"sync"

	"github.com/richinsley/comfypredict/workflow"
)

type QueueItem struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
	Messages   chan PromptMessage         `json:"-"`
	Workflow   workflow.Workflow          `json:"-"`

	client      *ComfyClient
	done        chan struct{}
	releaseOnce sync.Once
}

func newQueueItem(c *ComfyClient, wf workflow.Workflow) *QueueItem {
	return &QueueItem{
		Workflow: wf,
		Messages: make(chan PromptMessage, 64),
		client:   c,
		done:     make(chan struct{}),
	}
}

// send delivers m unless the item was released; nobody reads Messages
// after that.
func (qi *QueueItem) send(m PromptMessage) bool {
	select {
	case qi.Messages <- m:
		return true
	case <-qi.done:
		return false
	}
}

// release deregisters the item from its client and drops any message still
// on its way. Safe to call more than once.
func (qi *QueueItem) release() {
	if qi.client != nil {
		qi.client.forget(qi.PromptID)
	}
	qi.releaseOnce.Do(func() {
		if qi.done != nil {
			close(qi.done)
		}
	})
}
