package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/richinsley/comfypredict/workflow"
)

// MessageHandlers defines optional callback functions for handling different message types
// from a QueueItem. All handlers are optional - only provide handlers for the messages you care about.
type MessageHandlers struct {
	// OnStarted is called when execution begins
	OnStarted func(*PromptMessageStarted)

	// OnCached is called with the nodes ComfyUI did not need to run again
	OnCached func(*PromptMessageCached)

	// OnExecuting is called when a node starts executing
	OnExecuting func(*PromptMessageExecuting)

	// OnProgress is called with progress updates during node execution
	OnProgress func(*PromptMessageProgress)

	// OnData is called when output data is available
	OnData func(*PromptMessageData)

	// OnStopped is called when execution stops (success, error, or interruption)
	OnStopped func(*PromptMessageStopped)

	// OnError is called before OnStopped when the prompt failed
	OnError func(*PromptMessageStoppedException)

	// OnComplete is called after the message loop exits, regardless of success or failure
	OnComplete func()
}

// DefaultMessageHandlers logs started, executing, stopped and error messages.
func DefaultMessageHandlers() *MessageHandlers {
	return &MessageHandlers{
		OnStarted: func(msg *PromptMessageStarted) {
			slog.Info("Execution started", "prompt_id", msg.PromptID)
		},
		OnCached: func(msg *PromptMessageCached) {
			slog.Debug("Cached nodes", "nodes", msg.Nodes)
		},
		OnExecuting: func(msg *PromptMessageExecuting) {
			slog.Info("Executing node", "node_id", msg.NodeID, "title", msg.Title)
		},
		OnError: func(err *PromptMessageStoppedException) {
			slog.Error("Execution error",
				"node_id", err.NodeID,
				"node_type", err.NodeType,
				"error", err.ExceptionMessage,
			)
		},
		OnStopped: func(msg *PromptMessageStopped) {
			if msg.Exception == nil {
				slog.Info("Execution completed successfully")
			}
		},
	}
}

// WithStartedHandler adds a started handler (builder pattern)
func (h *MessageHandlers) WithStartedHandler(fn func(*PromptMessageStarted)) *MessageHandlers {
	h.OnStarted = fn
	return h
}

func (h *MessageHandlers) WithCachedHandler(fn func(*PromptMessageCached)) *MessageHandlers {
	h.OnCached = fn
	return h
}

// WithExecutingHandler adds an executing handler (builder pattern)
func (h *MessageHandlers) WithExecutingHandler(fn func(*PromptMessageExecuting)) *MessageHandlers {
	h.OnExecuting = fn
	return h
}

// WithProgressHandler adds a progress handler (builder pattern)
func (h *MessageHandlers) WithProgressHandler(fn func(*PromptMessageProgress)) *MessageHandlers {
	h.OnProgress = fn
	return h
}

// WithDataHandler adds a data handler (builder pattern)
func (h *MessageHandlers) WithDataHandler(fn func(*PromptMessageData)) *MessageHandlers {
	h.OnData = fn
	return h
}

// WithStoppedHandler adds a stopped handler (builder pattern)
func (h *MessageHandlers) WithStoppedHandler(fn func(*PromptMessageStopped)) *MessageHandlers {
	h.OnStopped = fn
	return h
}

// WithErrorHandler adds an error handler (builder pattern)
func (h *MessageHandlers) WithErrorHandler(fn func(*PromptMessageStoppedException)) *MessageHandlers {
	h.OnError = fn
	return h
}

// WithCompleteHandler adds a complete handler (builder pattern)
func (h *MessageHandlers) WithCompleteHandler(fn func()) *MessageHandlers {
	h.OnComplete = fn
	return h
}

// ProcessMessages processes messages from the QueueItem using the provided handlers.
// It blocks until execution stops or ctx is done. Interrupted and failed
// prompts are returned as errors wrapping the PromptMessageStoppedException.
// On return the item is released: later messages for it are dropped.
func (qi *QueueItem) ProcessMessages(ctx context.Context, handlers *MessageHandlers) error {
	if handlers == nil {
		handlers = &MessageHandlers{}
	}

	if handlers.OnComplete != nil {
		defer handlers.OnComplete()
	}
	defer qi.release()

	for {
		var msg PromptMessage
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-qi.Messages:
		}

		switch msg.Type {
		case "started":
			if handlers.OnStarted != nil {
				handlers.OnStarted(msg.ToPromptMessageStarted())
			}

		case "cached":
			if handlers.OnCached != nil {
				handlers.OnCached(msg.ToPromptMessageCached())
			}

		case "executing":
			if handlers.OnExecuting != nil {
				handlers.OnExecuting(msg.ToPromptMessageExecuting())
			}

		case "progress":
			if handlers.OnProgress != nil {
				handlers.OnProgress(msg.ToPromptMessageProgress())
			}

		case "data":
			if handlers.OnData != nil {
				handlers.OnData(msg.ToPromptMessageData())
			}

		case "stopped":
			stopped := msg.ToPromptMessageStopped()

			var executionError error
			if stopped.Exception != nil {
				if handlers.OnError != nil {
					handlers.OnError(stopped.Exception)
				}
				executionError = fmt.Errorf("prompt %s %s: %w", qi.PromptID, stopped.Reason, stopped.Exception)
			}

			if handlers.OnStopped != nil {
				handlers.OnStopped(stopped)
			}

			return executionError

		default:
			slog.Warn("Unknown message type received", "type", msg.Type)
		}
	}
}

// QueuePromptAndProcess queues wf and blocks until it stops. It is the
// usual way to run a prompt since the item is registered before any of its
// messages can arrive.
//
// Example:
//
//	_, err := c.QueuePromptAndProcess(ctx, wf,
//	    client.DefaultMessageHandlers().
//	        WithDataHandler(func(msg *client.PromptMessageData) {
//	            // handle output data
//	        }),
//	)
func (c *ComfyClient) QueuePromptAndProcess(ctx context.Context, wf workflow.Workflow, handlers *MessageHandlers) (*QueueItem, error) {
	item, err := c.QueuePrompt(ctx, wf)
	if err != nil {
		return nil, fmt.Errorf("failed to queue prompt: %w", err)
	}
	return item, item.ProcessMessages(ctx, handlers)
}
