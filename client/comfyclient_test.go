package client

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/richinsley/comfypredict/internal/comfytest"
	"github.com/richinsley/comfypredict/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *comfytest.Server, callbacks *ComfyClientCallbacks) *ComfyClient {
	t.Helper()
	c, err := NewComfyClientFromURL(srv.URL, callbacks)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testWorkflow(t *testing.T) workflow.Workflow {
	t.Helper()
	wf, err := workflow.ParseBytes(comfytest.Img2ImgWorkflow())
	require.NoError(t, err)
	return wf
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewComfyClientFromURL(t *testing.T) {
	c, err := NewComfyClientFromURL("https://comfy.example.com:8443", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://comfy.example.com:8443", c.BaseURL())
	assert.Contains(t, c.websocketURL(), "wss://comfy.example.com:8443/ws?clientId="+c.ClientID())

	_, err = NewComfyClientFromURL("ftp://comfy", nil)
	assert.Error(t, err)
	_, err = NewComfyClientFromURL("http://", nil)
	assert.Error(t, err)

	c = NewComfyClient("127.0.0.1", 8188, nil)
	assert.Equal(t, "http://127.0.0.1:8188", c.BaseURL())
	assert.NotEqual(t, c.ClientID(), NewComfyClient("127.0.0.1", 8188, nil).ClientID())
}

func TestQueuePromptAndProcess(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	srv.Cached = []string{"4", "6", "7"}

	var mu sync.Mutex
	var stoppedReason QueuedItemStoppedReason
	c := newTestClient(t, srv, &ComfyClientCallbacks{
		QueuedItemStopped: func(_ *ComfyClient, _ *QueueItem, reason QueuedItemStoppedReason) {
			mu.Lock()
			stoppedReason = reason
			mu.Unlock()
		},
	})
	ctx := testContext(t)

	var executing []string
	var cached []string
	var progress []int
	var data []*PromptMessageData
	started := false
	handlers := (&MessageHandlers{}).
		WithStartedHandler(func(*PromptMessageStarted) { started = true }).
		WithCachedHandler(func(m *PromptMessageCached) { cached = m.Nodes }).
		WithExecutingHandler(func(m *PromptMessageExecuting) { executing = append(executing, m.NodeID) }).
		WithProgressHandler(func(m *PromptMessageProgress) { progress = append(progress, m.Value) }).
		WithDataHandler(func(m *PromptMessageData) { data = append(data, m) })

	item, err := c.QueuePromptAndProcess(ctx, testWorkflow(t), handlers)
	require.NoError(t, err)
	require.NotNil(t, item)

	assert.True(t, started)
	assert.Equal(t, []string{"4", "6", "7"}, cached)
	assert.Equal(t, []string{"3", "4", "6", "7", "8", "9", "12", "13"}, executing)
	assert.Equal(t, []int{1, 2}, progress)
	require.Len(t, data, 1)
	assert.Equal(t, "9", data[0].NodeID)
	require.Len(t, data[0].Data["images"], 1)
	assert.Equal(t, "ComfyUI_00001_.png", data[0].Data["images"][0].Filename)

	mu.Lock()
	assert.Equal(t, QueuedItemStoppedReasonFinished, stoppedReason)
	mu.Unlock()
	assert.Nil(t, c.GetQueuedItem(item.PromptID))

	prompts := srv.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, c.ClientID(), prompts[0].ClientID)
	assert.Equal(t, item.PromptID, prompts[0].ID)
}

func TestProcessMessagesExecutionError(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	srv.Fail = &comfytest.Failure{Node: "3", Type: "RuntimeError", Message: "CUDA out of memory"}

	c := newTestClient(t, srv, nil)
	var reported *PromptMessageStoppedException
	handlers := (&MessageHandlers{}).WithErrorHandler(func(e *PromptMessageStoppedException) { reported = e })

	_, err := c.QueuePromptAndProcess(testContext(t), testWorkflow(t), handlers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")

	var exc *PromptMessageStoppedException
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, "3", exc.NodeID)
	assert.Equal(t, "KSampler", exc.NodeName)
	assert.Equal(t, "RuntimeError", exc.ExceptionType)
	assert.Same(t, exc, reported)
}

func TestProcessMessagesContextCancelled(t *testing.T) {
	qi := &QueueItem{PromptID: "p", Messages: make(chan PromptMessage)}
	ctx, cancel := context.WithCancel(context.Background())
	completed := false
	cancel()
	err := qi.ProcessMessages(ctx, (&MessageHandlers{}).WithCompleteHandler(func() { completed = true }))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, completed)
}

func TestQueuePromptRejected(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	_, err := c.QueuePrompt(testContext(t), workflow.Workflow{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Prompt has no outputs")
}

func TestConnectionLostStopsPendingItems(t *testing.T) {
	c := NewComfyClient("127.0.0.1", 1, nil)
	qi := &QueueItem{PromptID: "abc", Messages: make(chan PromptMessage, 1)}
	c.queueditems[qi.PromptID] = qi

	c.OnClose(assert.AnError)

	msg := <-qi.Messages
	require.Equal(t, "stopped", msg.Type)
	stopped := msg.ToPromptMessageStopped()
	assert.Equal(t, QueuedItemStoppedReasonError, stopped.Reason)
	require.NotNil(t, stopped.Exception)
	assert.Equal(t, "connection_lost", stopped.Exception.ExceptionType)
	assert.Nil(t, c.GetQueuedItem("abc"))
	assert.False(t, c.IsInitialized())
}

func TestOnMessageIgnoresForeignPrompts(t *testing.T) {
	c := NewComfyClient("127.0.0.1", 1, nil)
	qi := &QueueItem{PromptID: "mine", Messages: make(chan PromptMessage, 4)}
	c.queueditems[qi.PromptID] = qi

	c.OnMessage(`{"type": "execution_start", "data": {"prompt_id": "theirs"}}`)
	c.OnMessage(`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 3}}}}`)
	c.OnMessage(`not json`)
	c.OnMessage(`{"type": "crystools.monitor", "data": {"cpu_utilization": 3}}`)
	c.OnMessage(`{"type": "executing", "data": {"node": null, "prompt_id": "mine"}}`)

	assert.Equal(t, 3, c.QueueCount())
	require.Len(t, qi.Messages, 1)
	msg := <-qi.Messages
	assert.Equal(t, "stopped", msg.Type)
	assert.Equal(t, QueuedItemStoppedReasonFinished, msg.ToPromptMessageStopped().Reason)
}

func TestExecutedTextOutput(t *testing.T) {
	msg := &WSStatusMessage{}
	err := json.Unmarshal([]byte(`{"type": "executed", "data": {"node": "20", "prompt_id": "p",
		"output": {"text": ["a cat"], "images": [{"filename": "a.png", "type": "temp"}], "ignored": 3}}}`), msg)
	require.NoError(t, err)
	assert.Equal(t, "p", msg.PromptID())

	executed := msg.Data.(*WSMessageDataExecuted)
	require.Contains(t, executed.Output, "text")
	assert.Equal(t, "a cat", (*executed.Output["text"])[0].Text)
	assert.Equal(t, "a.png", (*executed.Output["images"])[0].Filename)
	assert.NotContains(t, executed.Output, "ignored")
}

func TestRESTRequests(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv, nil)
	ctx := testContext(t)

	assert.True(t, c.IsServerRunning(ctx))

	stats, err := c.GetSystemStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "posix", stats.System.OS)
	require.Len(t, stats.Devices, 1)
	assert.Equal(t, "cuda", stats.Devices[0].Type)

	info, err := c.GetQueueExecutionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, info.ExecInfo.QueueRemaining)

	objects, err := c.GetObjectInfos(ctx)
	require.NoError(t, err)
	assert.True(t, objects["SaveImage"].OutputNode)

	embeddings, err := c.GetEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"easynegative"}, embeddings)

	extensions, err := c.GetExtensions(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, extensions)

	require.NoError(t, c.Interrupt(ctx))
	require.NoError(t, c.ClearQueue(ctx))
	assert.Equal(t, 1, srv.Interrupts())
	assert.Equal(t, 1, srv.QueueClears())
}

func TestHistoryAndView(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	srv.Outputs = []comfytest.File{
		{Name: "b.png", Data: comfytest.PNG(2, 2)},
		{Name: "a.png", Subfolder: "sub", Data: comfytest.PNG(3, 3)},
	}
	c := newTestClient(t, srv, nil)
	ctx := testContext(t)

	item, err := c.QueuePromptAndProcess(ctx, testWorkflow(t), nil)
	require.NoError(t, err)

	history, err := c.GetPromptHistory(ctx, item.PromptID)
	require.NoError(t, err)
	assert.True(t, history.Status.Completed)
	files := history.Files("output")
	require.Len(t, files, 2)
	assert.Equal(t, "b.png", files[0].Filename)
	assert.Equal(t, "sub", files[1].Subfolder)
	assert.Empty(t, history.Files("temp"))

	data, err := c.GetImage(ctx, files[1])
	require.NoError(t, err)
	assert.Equal(t, srv.Outputs[1].Data, data)

	_, err = c.GetImage(ctx, DataOutput{Filename: "missing.png", Type: "output"})
	assert.Error(t, err)

	all, err := c.GetPromptHistoryByIndex(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, c.EraseHistoryItem(ctx, item.PromptID))
	_, err = c.GetPromptHistory(ctx, item.PromptID)
	assert.Error(t, err)
	require.NoError(t, c.EraseHistory(ctx))
}

func TestUploadFileFromReader(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv, nil)
	ctx := testContext(t)

	payload := comfytest.PNG(4, 4)
	name, err := c.UploadFileFromReader(ctx, bytes.NewReader(payload), "image.png", true, InputImageType, "")
	require.NoError(t, err)
	assert.Equal(t, "image.png", name)

	name, err = c.UploadFileFromReader(ctx, bytes.NewReader(payload), "image.png", true, InputImageType, "predict")
	require.NoError(t, err)
	assert.Equal(t, "predict/image.png", name)

	uploads := srv.Uploads()
	assert.Equal(t, payload, uploads["image.png"])
	assert.Contains(t, uploads, "predict/image.png")
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"12": 0, "3": 0, "9": 0, "b": 0, "a": 0}
	assert.Equal(t, []string{"3", "9", "12", "a", "b"}, sortedKeys(m))
}

func TestAbandonedPromptDoesNotBlockLaterPrompts(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	// far more progress messages than a QueueItem buffers
	srv.Steps = 200

	c := newTestClient(t, srv, nil)
	first, err := c.QueuePrompt(testContext(t), testWorkflow(t))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err = first.ProcessMessages(cancelled, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, c.GetQueuedItem(first.PromptID))

	ctx, cancelSecond := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSecond()
	second, err := c.QueuePromptAndProcess(ctx, testWorkflow(t), nil)
	require.NoError(t, err)
	assert.Nil(t, c.GetQueuedItem(second.PromptID))

	// the read loop is still free, so Close returns
	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on the websocket read loop")
	}
}

func TestReleaseDropsPendingMessages(t *testing.T) {
	c := NewComfyClient("127.0.0.1", 8188, nil)
	qi := newQueueItem(c, nil)
	qi.PromptID = "p"
	c.queueditems["p"] = qi

	for i := 0; i < cap(qi.Messages); i++ {
		require.True(t, qi.send(PromptMessage{Type: "progress", Message: &PromptMessageProgress{Value: i, Max: 100}}))
	}

	blocked := make(chan bool, 1)
	go func() { blocked <- qi.send(PromptMessage{Type: "progress"}) }()
	qi.release()
	qi.release()

	select {
	case delivered := <-blocked:
		assert.False(t, delivered)
	case <-time.After(5 * time.Second):
		t.Fatal("send stayed blocked after release")
	}
	assert.Nil(t, c.GetQueuedItem("p"))
}
