// Package predictor runs the bundled workflow as a single prediction:
// stage the input image, patch the workflow, run it on ComfyUI and
// finalize the outputs.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/comfypredict/client"
	"github.com/richinsley/comfypredict/engine"
	"github.com/richinsley/comfypredict/optimise"
	"github.com/richinsley/comfypredict/seed"
	"github.com/richinsley/comfypredict/staging"
	"github.com/richinsley/comfypredict/workflow"
	"github.com/spf13/afero"
)

var (
	// ErrBusy is returned by TryPredict while another prediction runs
	ErrBusy = errors.New("a prediction is already running")
	// ErrNotReady is returned before Setup succeeded
	ErrNotReady = errors.New("predictor is not set up")
	// ErrInvalidInput wraps every rejection of the request parameters
	ErrInvalidInput = errors.New("invalid input")
	ErrNoImage      = fmt.Errorf("%w: an input image is required", ErrInvalidInput)
)

type Status string

const (
	StatusStarting    Status = "STARTING"
	StatusReady       Status = "READY"
	StatusBusy        Status = "BUSY"
	StatusSetupFailed Status = "SETUP_FAILED"
)

type Config struct {
	WorkflowPath string
	OutputDir    string
	InputDir     string
	TempDir      string
	// Managed starts ComfyUI as a child process. Otherwise the predictor
	// attaches to ServerURL, uploads the input and downloads the outputs.
	Managed   bool
	ServerURL string
	Engine    engine.Options
}

type Input struct {
	// ImagePath is a local file or an http(s) URL
	ImagePath     string
	OutputFormat  string
	OutputQuality *int
	// Seed is random when nil or negative
	Seed *int64
}

type Output struct {
	ID    string   `json:"id"`
	Seed  int64    `json:"seed"`
	Files []string `json:"files"`
	URLs  []string `json:"urls,omitempty"`
}

// Publisher receives the finalized files of a prediction
type Publisher interface {
	Publish(ctx context.Context, id string, files []string) ([]string, error)
}

type Option func(*Predictor)

// WithFs replaces the OS filesystem
func WithFs(fs afero.Fs) Option {
	return func(p *Predictor) { p.fs = fs }
}

func WithPublisher(pub Publisher) Option {
	return func(p *Predictor) { p.publisher = pub }
}

// WithMessageHandlers observes the execution of every prompt
func WithMessageHandlers(h *client.MessageHandlers) Option {
	return func(p *Predictor) { p.handlers = h }
}

type Predictor struct {
	cfg       Config
	fs        afero.Fs
	client    *client.ComfyClient
	engine    *engine.Server
	store     *workflow.Store
	stager    *staging.Stager
	patcher   *workflow.Patcher
	publisher Publisher
	handlers  *client.MessageHandlers

	mu     sync.Mutex
	status atomic.Value
}

func New(cfg Config, opts ...Option) (*Predictor, error) {
	c, err := client.NewComfyClientFromURL(cfg.ServerURL, nil)
	if err != nil {
		return nil, err
	}
	p := &Predictor{
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		client:   c,
		engine:   engine.NewServer(cfg.Engine),
		patcher:  workflow.NewPatcher(),
		handlers: client.DefaultMessageHandlers(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.store = workflow.NewStore(p.fs, cfg.WorkflowPath)
	p.stager = staging.NewStager(p.fs, cfg.InputDir)
	p.status.Store(StatusStarting)
	return p, nil
}

func (p *Predictor) Status() Status {
	return p.status.Load().(Status)
}

func (p *Predictor) Client() *client.ComfyClient {
	return p.client
}

func (p *Predictor) Config() Config {
	return p.cfg
}

func (p *Predictor) dirs() []string {
	dirs := make([]string, 0, 3)
	for _, d := range []string{p.cfg.OutputDir, p.cfg.InputDir, p.cfg.TempDir} {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// Setup starts (or waits for) ComfyUI, checks the workflow can be patched
// and connects the websocket.
func (p *Predictor) Setup(ctx context.Context) error {
	err := p.setup(ctx)
	if err != nil {
		p.status.Store(StatusSetupFailed)
		return err
	}
	p.status.Store(StatusReady)
	return nil
}

func (p *Predictor) setup(ctx context.Context) error {
	if err := engine.ApplyOfflineEnv(); err != nil {
		return err
	}
	if err := staging.ResetDirs(p.fs, p.dirs()...); err != nil {
		return err
	}

	if p.cfg.Managed {
		if err := p.engine.Start(ctx); err != nil {
			return err
		}
	}
	if err := p.engine.WaitReady(ctx, p.client); err != nil {
		return err
	}

	wf, err := p.store.Load()
	if err != nil {
		return err
	}
	slog.Info("Loaded workflow", "path", p.store.Path(), "nodes", len(wf))
	if err := p.patcher.Apply(wf, workflow.Params{ImageFilename: "image.png"}); err != nil {
		return fmt.Errorf("workflow %s: %w", p.store.Path(), err)
	}

	return p.client.Init(ctx)
}

// TryPredict is Predict that fails with ErrBusy instead of waiting
func (p *Predictor) TryPredict(ctx context.Context, in Input) (*Output, error) {
	if !p.mu.TryLock() {
		return nil, ErrBusy
	}
	defer p.mu.Unlock()
	return p.predict(ctx, in)
}

// Predict runs one prediction. Calls are serialized.
func (p *Predictor) Predict(ctx context.Context, in Input) (*Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predict(ctx, in)
}

func (p *Predictor) predict(ctx context.Context, in Input) (*Output, error) {
	switch p.Status() {
	case StatusStarting, StatusSetupFailed:
		return nil, ErrNotReady
	}

	format, err := optimise.ParseFormat(in.OutputFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	quality := optimise.DefaultQuality
	if in.OutputQuality != nil {
		quality = *in.OutputQuality
	}
	if err := optimise.ValidateQuality(quality); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.ImagePath == "" {
		return nil, ErrNoImage
	}

	p.status.Store(StatusBusy)
	defer p.status.Store(StatusReady)

	out := &Output{ID: uuid.New().String()}
	log := slog.With("id", out.ID)
	start := time.Now()

	if err := engine.Cleanup(ctx, p.client, p.fs, p.dirs()...); err != nil {
		return nil, err
	}

	out.Seed = seed.Generate(in.Seed)

	filename, err := p.stageInput(ctx, in.ImagePath)
	if err != nil {
		return nil, err
	}

	wf, err := p.store.Load()
	if err != nil {
		return nil, err
	}
	if err := p.patcher.Apply(wf, workflow.Params{ImageFilename: filename, Seed: out.Seed}); err != nil {
		return nil, err
	}
	if p.cfg.Managed {
		if err := p.stager.FetchRemoteInputs(ctx, wf); err != nil {
			return nil, err
		}
	}

	item, err := p.client.QueuePromptAndProcess(ctx, wf, p.handlers)
	if err != nil {
		if ctx.Err() != nil {
			p.interrupt()
		}
		return nil, err
	}

	files, err := p.collectOutputs(ctx, item)
	if err != nil {
		return nil, err
	}

	out.Files, err = optimise.Files(p.fs, format, quality, files)
	if err != nil {
		return nil, err
	}

	if p.publisher != nil && len(out.Files) > 0 {
		out.URLs, err = p.publisher.Publish(ctx, out.ID, out.Files)
		if err != nil {
			return nil, err
		}
	}

	log.Info("Prediction finished", "files", len(out.Files), "seed", out.Seed, "duration", time.Since(start).Round(time.Millisecond))
	return out, nil
}

// stageInput places the request image where ComfyUI's LoadImage node finds
// it and returns the name to patch in.
func (p *Predictor) stageInput(ctx context.Context, src string) (string, error) {
	filename := staging.FilenameWithExtension(src, "image")
	var staged string
	var err error
	if staging.IsRemote(src) {
		filename = staging.FilenameWithExtension(staging.RemoteFilename(src), "image")
		staged, err = p.stager.StageURL(ctx, src, filename)
	} else {
		staged, err = p.stager.Stage(src, filename)
	}
	if err != nil {
		return "", fmt.Errorf("staging input %s: %w", src, err)
	}

	if p.cfg.Managed {
		return filename, nil
	}
	return p.client.UploadFileFromPath(ctx, p.fs, staged, true, client.InputImageType, "")
}

// collectOutputs lists the output directory. An attached server writes
// elsewhere, so its outputs are downloaded into the output directory first.
func (p *Predictor) collectOutputs(ctx context.Context, item *client.QueueItem) ([]string, error) {
	if !p.cfg.Managed {
		history, err := p.client.GetPromptHistory(ctx, item.PromptID)
		if err != nil {
			return nil, err
		}
		for _, o := range history.Files("output") {
			data, err := p.client.GetImage(ctx, o)
			if err != nil {
				return nil, err
			}
			dir := filepath.Join(p.cfg.OutputDir, o.Subfolder)
			if err := p.fs.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			if err := afero.WriteFile(p.fs, filepath.Join(dir, o.Filename), data, 0o644); err != nil {
				return nil, err
			}
		}
	}
	return staging.CollectFiles(p.fs, p.cfg.OutputDir)
}

func (p *Predictor) interrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Interrupt(ctx); err != nil {
		slog.Warn("Interrupting ComfyUI failed", "error", err)
	}
}

// Close disconnects from ComfyUI and stops the process when it is managed
func (p *Predictor) Close() error {
	err := p.client.Close()
	if p.cfg.Managed {
		if serr := p.engine.Stop(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}
