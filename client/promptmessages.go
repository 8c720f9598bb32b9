package client

import "fmt"

type PromptMessage struct {
	Type    string
	Message interface{}
}

// our cast of characters:
// started
// cached
// executing
// progress
// data
// stopped

type PromptMessageStarted struct {
	PromptID string `json:"prompt_id"`
}

func (p *PromptMessage) ToPromptMessageStarted() *PromptMessageStarted {
	return p.Message.(*PromptMessageStarted)
}

// PromptMessageCached lists nodes whose results ComfyUI reused
type PromptMessageCached struct {
	Nodes []string
}

func (p *PromptMessage) ToPromptMessageCached() *PromptMessageCached {
	return p.Message.(*PromptMessageCached)
}

type PromptMessageExecuting struct {
	NodeID string
	Title  string
}

func (p *PromptMessage) ToPromptMessageExecuting() *PromptMessageExecuting {
	return p.Message.(*PromptMessageExecuting)
}

type PromptMessageProgress struct {
	Max   int
	Value int
}

func (p *PromptMessage) ToPromptMessageProgress() *PromptMessageProgress {
	return p.Message.(*PromptMessageProgress)
}

type PromptMessageData struct {
	NodeID string
	Data   map[string][]DataOutput
}

func (p *PromptMessage) ToPromptMessageData() *PromptMessageData {
	return p.Message.(*PromptMessageData)
}

type PromptMessageStopped struct {
	QueueItem *QueueItem
	Reason    QueuedItemStoppedReason
	Exception *PromptMessageStoppedException
}

type PromptMessageStoppedException struct {
	NodeID           string
	NodeType         string
	NodeName         string
	ExceptionMessage string
	ExceptionType    string
	Traceback        []string
}

func (e *PromptMessageStoppedException) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s: %s", e.ExceptionType, e.ExceptionMessage)
	}
	return fmt.Sprintf("node %s (%s): %s: %s", e.NodeID, e.NodeName, e.ExceptionType, e.ExceptionMessage)
}

func (p *PromptMessage) ToPromptMessageStopped() *PromptMessageStopped {
	return p.Message.(*PromptMessageStopped)
}
