package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type QueuedItemStoppedReason string

const (
	QueuedItemStoppedReasonFinished    QueuedItemStoppedReason = "finished"
	QueuedItemStoppedReasonInterrupted QueuedItemStoppedReason = "interrupted"
	QueuedItemStoppedReasonError       QueuedItemStoppedReason = "error"
)

type ComfyClientCallbacks struct {
	ClientQueueCountChanged func(*ComfyClient, int)
	QueuedItemStarted       func(*ComfyClient, *QueueItem)
	QueuedItemStopped       func(*ComfyClient, *QueueItem, QueuedItemStoppedReason)
	QueuedItemDataAvailable func(*ComfyClient, *QueueItem, *PromptMessageData)
}

// ComfyClient drives a single ComfyUI server over its REST and websocket
// API.
type ComfyClient struct {
	scheme                string
	serverBaseAddress     string
	clientid              string
	initialized           bool
	queueditems           map[string]*QueueItem
	queuecount            int
	callbacks             *ComfyClientCallbacks
	lastProcessedPromptID string
	httpclient            *http.Client
	webSocket             *WebSocketConnection
	mu                    sync.Mutex
}

// NewComfyClient creates a client for a plain http server at address:port
func NewComfyClient(server_address string, server_port int, callbacks *ComfyClientCallbacks) *ComfyClient {
	return newComfyClient("http", net.JoinHostPort(server_address, strconv.Itoa(server_port)), callbacks)
}

// NewComfyClientFromURL creates a client from a base URL such as
// "https://comfy.example.com:8443"
func NewComfyClientFromURL(rawurl string, callbacks *ComfyClientCallbacks) (*ComfyClient, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, rawurl)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %s", rawurl)
	}
	return newComfyClient(u.Scheme, u.Host, callbacks), nil
}

func newComfyClient(scheme string, hostport string, callbacks *ComfyClientCallbacks) *ComfyClient {
	return &ComfyClient{
		scheme:            scheme,
		serverBaseAddress: hostport,
		clientid:          uuid.New().String(),
		queueditems:       make(map[string]*QueueItem),
		callbacks:         callbacks,
		httpclient:        &http.Client{},
	}
}

// BaseURL is the http(s) root of the server
func (c *ComfyClient) BaseURL() string {
	return c.scheme + "://" + c.serverBaseAddress
}

func (c *ComfyClient) websocketURL() string {
	scheme := "ws"
	if c.scheme == "https" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.serverBaseAddress, Path: "/ws"}
	q := u.Query()
	q.Set("clientId", c.clientid)
	u.RawQuery = q.Encode()
	return u.String()
}

// IsInitialized returns true if the client's websocket is connected
func (c *ComfyClient) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// CheckConnection initializes the client if the websocket is not connected
func (c *ComfyClient) CheckConnection(ctx context.Context) error {
	if !c.IsInitialized() {
		return c.Init(ctx)
	}
	return nil
}

// Init opens the websocket connection. Messages for queued prompts are only
// delivered while it is open.
func (c *ComfyClient) Init(ctx context.Context) error {
	ws := &WebSocketConnection{
		WebSocketURL: c.websocketURL(),
		MaxRetry:     5,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Callback:     c,
		Dialer:       *websocket.DefaultDialer,
	}
	if err := ws.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", ws.WebSocketURL, err)
	}

	c.mu.Lock()
	c.webSocket = ws
	c.initialized = true
	c.mu.Unlock()
	slog.Info("Connected to ComfyUI", "address", c.serverBaseAddress, "client_id", c.clientid)
	return nil
}

// Close shuts the websocket down
func (c *ComfyClient) Close() error {
	c.mu.Lock()
	ws := c.webSocket
	c.webSocket = nil
	c.initialized = false
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

// QueueCount is the last queue size the server reported
func (c *ComfyClient) QueueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuecount
}

// GetQueuedItem returns a QueueItem that was queued with the ComfyClient and
// has not stopped yet.
func (c *ComfyClient) GetQueuedItem(prompt_id string) *QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueditems[prompt_id]
}

// OnMessage processes each text frame received from ComfyUI. Messages that
// belong to one of our prompts are translated into PromptMessages and placed
// on that QueueItem's channel.
func (c *ComfyClient) OnMessage(msg string) {
	message := &WSStatusMessage{}
	err := json.Unmarshal([]byte(msg), &message)
	if err != nil {
		slog.Error("Deserializing Status Message:", "error", err)
		return
	}

	if message.Type == "status" {
		s := message.Data.(*WSMessageDataStatus)
		c.mu.Lock()
		c.queuecount = s.Status.ExecInfo.QueueRemaining
		c.mu.Unlock()
		if c.callbacks != nil && c.callbacks.ClientQueueCountChanged != nil {
			c.callbacks.ClientQueueCountChanged(c, s.Status.ExecInfo.QueueRemaining)
		}
		return
	}

	qi := c.GetQueuedItem(message.PromptID())
	if qi == nil {
		return
	}

	switch message.Type {
	case "execution_start":
		c.mu.Lock()
		c.lastProcessedPromptID = qi.PromptID
		c.mu.Unlock()
		if c.callbacks != nil && c.callbacks.QueuedItemStarted != nil {
			c.callbacks.QueuedItemStarted(c, qi)
		}
		qi.send(PromptMessage{
			Type:    "started",
			Message: &PromptMessageStarted{PromptID: qi.PromptID},
		})
	case "execution_cached":
		s := message.Data.(*WSMessageDataExecutionCached)
		qi.send(PromptMessage{
			Type:    "cached",
			Message: &PromptMessageCached{Nodes: s.Nodes},
		})
	case "executing":
		s := message.Data.(*WSMessageDataExecuting)
		if s.Node == nil {
			// final node was processed
			c.stop(qi, QueuedItemStoppedReasonFinished, nil)
			return
		}
		title := *s.Node
		if n, ok := qi.Workflow[*s.Node]; ok && n != nil {
			title = n.Title()
		}
		qi.send(PromptMessage{
			Type:    "executing",
			Message: &PromptMessageExecuting{NodeID: *s.Node, Title: title},
		})
	case "progress":
		s := message.Data.(*WSMessageDataProgress)
		qi.send(PromptMessage{
			Type:    "progress",
			Message: &PromptMessageProgress{Value: s.Value, Max: s.Max},
		})
	case "executed":
		s := message.Data.(*WSMessageDataExecuted)
		mdata := &PromptMessageData{
			NodeID: s.Node,
			Data:   make(map[string][]DataOutput),
		}
		for k, v := range s.Output {
			mdata.Data[k] = *v
		}
		if c.callbacks != nil && c.callbacks.QueuedItemDataAvailable != nil {
			c.callbacks.QueuedItemDataAvailable(c, qi, mdata)
		}
		qi.send(PromptMessage{Type: "data", Message: mdata})
	case "execution_success":
		c.stop(qi, QueuedItemStoppedReasonFinished, nil)
	case "execution_interrupted":
		s := message.Data.(*WSMessageExecutionInterrupted)
		c.stop(qi, QueuedItemStoppedReasonInterrupted, &PromptMessageStoppedException{
			NodeID:           s.Node,
			NodeType:         s.NodeType,
			NodeName:         c.nodeName(qi, s.Node),
			ExceptionType:    "interrupted",
			ExceptionMessage: "execution was interrupted",
		})
	case "execution_error":
		s := message.Data.(*WSMessageExecutionError)
		c.stop(qi, QueuedItemStoppedReasonError, &PromptMessageStoppedException{
			NodeID:           s.Node,
			NodeType:         s.NodeType,
			NodeName:         c.nodeName(qi, s.Node),
			ExceptionMessage: s.ExceptionMessage,
			ExceptionType:    s.ExceptionType,
			Traceback:        s.Traceback,
		})
	case "crystools.monitor":
	default:
		slog.Debug("Unhandled message type", "type", message.Type)
	}
}

// OnClose fails every prompt still waiting on the connection that went away
func (c *ComfyClient) OnClose(err error) {
	c.mu.Lock()
	c.initialized = false
	items := make([]*QueueItem, 0, len(c.queueditems))
	for _, qi := range c.queueditems {
		items = append(items, qi)
	}
	c.mu.Unlock()

	if err != nil {
		slog.Warn("ComfyUI websocket closed", "error", err)
	}
	for _, qi := range items {
		c.stop(qi, QueuedItemStoppedReasonError, &PromptMessageStoppedException{
			ExceptionType:    "connection_lost",
			ExceptionMessage: "websocket connection to ComfyUI closed",
		})
	}
}

func (c *ComfyClient) nodeName(qi *QueueItem, nodeID string) string {
	if n, ok := qi.Workflow[nodeID]; ok && n != nil {
		return n.Title()
	}
	return nodeID
}

// stop removes the item from the queue before sending the final message; no
// other messages will be sent to the channel after this.
func (c *ComfyClient) stop(qi *QueueItem, reason QueuedItemStoppedReason, exception *PromptMessageStoppedException) {
	c.mu.Lock()
	if _, ok := c.queueditems[qi.PromptID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.queueditems, qi.PromptID)
	c.mu.Unlock()

	if c.callbacks != nil && c.callbacks.QueuedItemStopped != nil {
		c.callbacks.QueuedItemStopped(c, qi, reason)
	}
	qi.send(PromptMessage{
		Type: "stopped",
		Message: &PromptMessageStopped{
			QueueItem: qi,
			Reason:    reason,
			Exception: exception,
		},
	})
}

// forget drops a prompt whose caller stopped listening
func (c *ComfyClient) forget(promptID string) {
	c.mu.Lock()
	delete(c.queueditems, promptID)
	c.mu.Unlock()
}
