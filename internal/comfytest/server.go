// Package comfytest provides an in-process stand-in for a ComfyUI server.
// It speaks enough of the REST and websocket protocol to queue a prompt,
// stream its execution messages and serve the files it "produced".
package comfytest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
)

// File is an output written by the fake SaveImage node
type File struct {
	Name      string
	Subfolder string
	Data      []byte
}

// Failure makes the next prompts stop with an execution_error on Node
type Failure struct {
	Node    string
	Type    string
	Message string
}

// Prompt is a prompt received on POST /prompt
type Prompt struct {
	ID       string
	Number   int
	ClientID string
	Graph    map[string]map[string]interface{}
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

type historyEntry struct {
	number int
	prompt map[string]map[string]interface{}
	files  []File
	status string
}

// Server is a fake ComfyUI. Set its exported fields before queueing.
type Server struct {
	*httptest.Server

	// Outputs are reported as the images of OutputNode
	Outputs    []File
	OutputNode string
	// OutputFs and OutputDir, when set, receive the outputs like a local
	// ComfyUI writing into its output directory
	OutputFs  afero.Fs
	OutputDir string
	Fail      *Failure
	// Cached node ids announced with execution_cached
	Cached []string
	// Steps is the number of progress messages per KSampler (default 2),
	// StepDelay the pause before each of them
	Steps     int
	StepDelay time.Duration

	// prompts run one at a time, like ComfyUI's single executor
	execMu      sync.Mutex
	mu          sync.Mutex
	running     bool
	interrupt   bool
	clients     map[string]*wsClient
	connected   map[string]chan struct{}
	prompts     []Prompt
	history     map[string]*historyEntry
	uploads     map[string][]byte
	interrupts  int
	queueClears int
	number      int
	upgrader    websocket.Upgrader
}

// NewServer starts a fake ComfyUI producing a single PNG from node "9"
func NewServer() *Server {
	s := &Server{
		OutputNode: "9",
		Outputs:    []File{{Name: "ComfyUI_00001_.png", Data: PNG(8, 8)}},
		clients:    make(map[string]*wsClient),
		connected:  make(map[string]chan struct{}),
		history:    make(map[string]*historyEntry),
		uploads:    make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /prompt", s.handleQueuePrompt)
	mux.HandleFunc("GET /prompt", s.handleExecInfo)
	mux.HandleFunc("GET /history", s.handleHistoryAll)
	mux.HandleFunc("GET /history/{id}", s.handleHistory)
	mux.HandleFunc("POST /history", s.handleHistoryPost)
	mux.HandleFunc("GET /view", s.handleView)
	mux.HandleFunc("POST /upload/image", s.handleUpload)
	mux.HandleFunc("POST /interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /queue", s.handleQueue)
	mux.HandleFunc("GET /system_stats", s.handleSystemStats)
	mux.HandleFunc("GET /object_info", s.handleObjectInfo)
	mux.HandleFunc("GET /embeddings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []string{"easynegative"})
	})
	mux.HandleFunc("GET /extensions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []string{"/extensions/core/widgetInputs.js"})
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// PNG returns an encoded w x h test image
func PNG(w, h int) []byte {
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Prompts returns what was queued so far
func (s *Server) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Prompt(nil), s.prompts...)
}

// Uploads returns the files received on /upload/image by name
func (s *Server) Uploads() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	retv := make(map[string][]byte, len(s.uploads))
	for k, v := range s.uploads {
		retv[k] = v
	}
	return retv
}

func (s *Server) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

func (s *Server) QueueClears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueClears
}

// DropConnections closes every websocket as if the server went away
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.conn.Close()
	}
}

// Close drops the websockets before stopping the http server
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func (s *Server) connectedChan(clientID string) chan struct{} {
	ch, ok := s.connected[clientID]
	if !ok {
		ch = make(chan struct{})
		s.connected[clientID] = ch
	}
	return ch
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}

	s.mu.Lock()
	s.clients[clientID] = c
	ch := s.connectedChan(clientID)
	select {
	case <-ch:
	default:
		close(ch)
	}
	s.mu.Unlock()

	_ = c.send(message("status", map[string]interface{}{
		"status": map[string]interface{}{"exec_info": map[string]int{"queue_remaining": 0}},
		"sid":    clientID,
	}))

	// drain until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.mu.Lock()
	if s.clients[clientID] == c {
		delete(s.clients, clientID)
		delete(s.connected, clientID)
	}
	s.mu.Unlock()
	conn.Close()
}

func message(t string, data interface{}) map[string]interface{} {
	return map[string]interface{}{"type": t, "data": data}
}

func (s *Server) handleQueuePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   map[string]map[string]interface{} `json:"prompt"`
		ClientID string                            `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":       map[string]interface{}{"type": "invalid_prompt", "message": "Invalid prompt", "details": err.Error(), "extra_info": map[string]interface{}{}},
			"node_errors": map[string]interface{}{},
		})
		return
	}
	if len(req.Prompt) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":       map[string]interface{}{"type": "prompt_no_outputs", "message": "Prompt has no outputs", "details": "", "extra_info": map[string]interface{}{}},
			"node_errors": []interface{}{},
		})
		return
	}

	s.mu.Lock()
	p := Prompt{
		ID:       uuid.New().String(),
		Number:   s.number,
		ClientID: req.ClientID,
		Graph:    req.Prompt,
	}
	s.number++
	s.prompts = append(s.prompts, p)
	ch := s.connectedChan(req.ClientID)
	fail := s.Fail
	outputs := append([]File(nil), s.Outputs...)
	cached := append([]string(nil), s.Cached...)
	steps, delay := s.Steps, s.StepDelay
	s.mu.Unlock()
	if steps <= 0 {
		steps = 2
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prompt_id":   p.ID,
		"number":      p.Number,
		"node_errors": map[string]interface{}{},
	})

	go s.execute(p, ch, run{fail: fail, outputs: outputs, cached: cached, steps: steps, delay: delay})
}

func nodeIDs(graph map[string]map[string]interface{}) []string {
	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	return ids
}

// run is the server configuration captured when a prompt was queued
type run struct {
	fail    *Failure
	outputs []File
	cached  []string
	steps   int
	delay   time.Duration
}

// takeInterrupt reports whether /interrupt was called for the running prompt
func (s *Server) takeInterrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	retv := s.interrupt
	s.interrupt = false
	return retv
}

// execute plays the message sequence of one prompt to its client
func (s *Server) execute(p Prompt, connected chan struct{}, r run) {
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		return
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	c := s.clients[p.ClientID]
	s.running = true
	s.interrupt = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	if c == nil {
		return
	}
	fail, outputs, cached := r.fail, r.outputs, r.cached

	_ = c.send(message("execution_start", map[string]interface{}{"prompt_id": p.ID}))
	if len(cached) > 0 {
		_ = c.send(message("execution_cached", map[string]interface{}{"nodes": cached, "prompt_id": p.ID}))
	}

	executed := make([]string, 0)
	for _, id := range nodeIDs(p.Graph) {
		_ = c.send(message("executing", map[string]interface{}{"node": id, "prompt_id": p.ID}))
		if fail != nil && fail.Node == id {
			s.record(p, nil, "error")
			_ = c.send(message("execution_error", map[string]interface{}{
				"prompt_id":         p.ID,
				"node_id":           id,
				"node_type":         p.Graph[id]["class_type"],
				"executed":          executed,
				"exception_message": fail.Message,
				"exception_type":    fail.Type,
				"traceback":         []string{},
			}))
			return
		}
		if p.Graph[id]["class_type"] == "KSampler" {
			for i := 1; i <= r.steps; i++ {
				if r.delay > 0 {
					time.Sleep(r.delay)
				}
				if s.takeInterrupt() {
					s.record(p, nil, "error")
					_ = c.send(message("execution_interrupted", map[string]interface{}{
						"prompt_id": p.ID,
						"node_id":   id,
						"node_type": p.Graph[id]["class_type"],
						"executed":  executed,
					}))
					return
				}
				_ = c.send(message("progress", map[string]interface{}{"value": i, "max": r.steps, "node": id, "prompt_id": p.ID}))
			}
		}
		if id == s.OutputNode {
			s.writeOutputs(outputs)
			images := make([]map[string]string, 0, len(outputs))
			for _, f := range outputs {
				images = append(images, map[string]string{"filename": f.Name, "subfolder": f.Subfolder, "type": "output"})
			}
			_ = c.send(message("executed", map[string]interface{}{
				"node":      id,
				"output":    map[string]interface{}{"images": images},
				"prompt_id": p.ID,
			}))
		}
		executed = append(executed, id)
	}

	s.record(p, outputs, "success")
	_ = c.send(message("execution_success", map[string]interface{}{"prompt_id": p.ID, "timestamp": time.Now().UnixMilli()}))
	_ = c.send(message("executing", map[string]interface{}{"node": nil, "prompt_id": p.ID}))
}

func (s *Server) writeOutputs(outputs []File) {
	if s.OutputFs == nil {
		return
	}
	for _, f := range outputs {
		dir := path.Join(s.OutputDir, f.Subfolder)
		_ = s.OutputFs.MkdirAll(dir, 0o755)
		_ = afero.WriteFile(s.OutputFs, path.Join(dir, f.Name), f.Data, 0o644)
	}
}

func (s *Server) record(p Prompt, files []File, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[p.ID] = &historyEntry{number: p.Number, prompt: p.Graph, files: files, status: status}
}

func (s *Server) historyJSON(id string, h *historyEntry) map[string]interface{} {
	images := make([]map[string]string, 0, len(h.files))
	for _, f := range h.files {
		images = append(images, map[string]string{"filename": f.Name, "subfolder": f.Subfolder, "type": "output"})
	}
	outputs := map[string]interface{}{}
	if len(images) > 0 {
		outputs[s.OutputNode] = map[string]interface{}{"images": images}
	}
	return map[string]interface{}{
		"prompt":  []interface{}{h.number, id, h.prompt, map[string]interface{}{}, []string{s.OutputNode}},
		"outputs": outputs,
		"status":  map[string]interface{}{"status_str": h.status, "completed": h.status == "success"},
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	retv := map[string]interface{}{}
	if h, ok := s.history[id]; ok {
		retv[id] = s.historyJSON(id, h)
	}
	writeJSON(w, http.StatusOK, retv)
}

func (s *Server) handleHistoryAll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	retv := map[string]interface{}{}
	for id, h := range s.history {
		retv[id] = s.historyJSON(id, h)
	}
	writeJSON(w, http.StatusOK, retv)
}

func (s *Server) handleHistoryPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Clear  bool     `json:"clear"`
		Delete []string `json:"delete"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	if req.Clear {
		s.history = make(map[string]*historyEntry)
	}
	for _, id := range req.Delete {
		delete(s.history, id)
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.history {
		for _, f := range h.files {
			if f.Name == q.Get("filename") && f.Subfolder == q.Get("subfolder") {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write(f.Data)
				return
			}
		}
	}
	http.NotFound(w, r)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	subfolder := r.FormValue("subfolder")
	name := header.Filename
	s.mu.Lock()
	key := path.Join(subfolder, name)
	if _, exists := s.uploads[key]; exists && r.FormValue("overwrite") != "true" {
		ext := path.Ext(name)
		name = fmt.Sprintf("%s (%d)%s", name[:len(name)-len(ext)], len(s.uploads), ext)
		key = path.Join(subfolder, name)
	}
	s.uploads[key] = data
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "subfolder": subfolder, "type": r.FormValue("type")})
}

// handleInterrupt stops the running prompt at its next sampler step
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.interrupts++
	if s.running {
		s.interrupt = true
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Clear bool `json:"clear"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Clear {
		s.mu.Lock()
		s.queueClears++
		s.mu.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleExecInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"exec_info": map[string]int{"queue_remaining": 0}})
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"system": map[string]interface{}{
			"os":              "posix",
			"python_version":  "3.11.9",
			"embedded_python": false,
			"comfyui_version": "0.3.10",
			"ram_total":       int64(32 << 30),
			"ram_free":        int64(16 << 30),
		},
		"devices": []map[string]interface{}{{
			"name":             "cuda:0 NVIDIA A40",
			"type":             "cuda",
			"index":            0,
			"vram_total":       int64(48 << 30),
			"vram_free":        int64(40 << 30),
			"torch_vram_total": int64(2 << 30),
			"torch_vram_free":  int64(1 << 30),
		}},
	})
}

func (s *Server) handleObjectInfo(w http.ResponseWriter, r *http.Request) {
	classes := []string{"KSampler", "CheckpointLoaderSimple", "CLIPTextEncode", "VAEDecode", "VAEEncode", "SaveImage", "LoadImage"}
	retv := make(map[string]interface{}, len(classes))
	for _, c := range classes {
		retv[c] = map[string]interface{}{
			"name":         c,
			"display_name": c,
			"category":     "test",
			"output_node":  c == "SaveImage",
		}
	}
	writeJSON(w, http.StatusOK, retv)
}

//go:embed img2img_api.json
var img2imgWorkflow []byte

// Img2ImgWorkflow returns an API-format img2img graph whose LoadImage is
// node "12", KSampler node "3" and SaveImage node "9"
func Img2ImgWorkflow() []byte {
	return append([]byte(nil), img2imgWorkflow...)
}
