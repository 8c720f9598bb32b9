package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/richinsley/comfypredict/predictor"
	"github.com/spf13/afero"
)

// Response is the envelope of every /predictions reply
type Response struct {
	Code int         `json:"code"` // 0 success, -1 failure
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func Success(data interface{}) Response {
	return Response{
		Code: 0,
		Msg:  "success",
		Data: data,
	}
}

func Fail(msg string) Response {
	return Response{
		Code: -1,
		Msg:  msg,
	}
}

// Runner is the part of the predictor the handlers drive
type Runner interface {
	Status() predictor.Status
	TryPredict(ctx context.Context, in predictor.Input) (*predictor.Output, error)
}

type Prediction struct {
	ID   string `json:"id"`
	Seed int64  `json:"seed"`
	// Output are the paths the files are served under
	Output []string `json:"output"`
	URLs   []string `json:"urls,omitempty"`
}

type jsonInput struct {
	Input struct {
		Image         string `json:"image"`
		OutputFormat  string `json:"output_format"`
		OutputQuality *int   `json:"output_quality"`
		Seed          *int64 `json:"seed"`
	} `json:"input"`
}

type Handler struct {
	Runner Runner
	Fs     afero.Fs
	// UploadDir keeps multipart uploads until the prediction has staged
	// them; it must not be one of the directories cleared per request.
	UploadDir string
	OutputDir string
	// DefaultFormat and DefaultQuality apply when a request omits them
	DefaultFormat  string
	DefaultQuality int
	// AllowLocalPaths lets JSON requests name files on the server
	AllowLocalPaths bool
}

func (h *Handler) HealthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.Runner.Status()})
}

func (h *Handler) PredictHandler(c *gin.Context) {
	in, cleanup, err := h.parseInput(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, Fail(err.Error()))
		return
	}
	defer cleanup()

	out, err := h.Runner.TryPredict(c.Request.Context(), in)
	switch {
	case errors.Is(err, predictor.ErrBusy):
		c.JSON(http.StatusConflict, Fail(err.Error()))
		return
	case errors.Is(err, predictor.ErrNotReady):
		c.JSON(http.StatusServiceUnavailable, Fail(err.Error()))
		return
	case errors.Is(err, predictor.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, Fail(err.Error()))
		return
	case err != nil:
		slog.Error("Prediction failed", "error", err)
		c.JSON(http.StatusInternalServerError, Fail(err.Error()))
		return
	}

	c.JSON(http.StatusOK, Success(h.prediction(out)))
}

func (h *Handler) prediction(out *predictor.Output) Prediction {
	p := Prediction{ID: out.ID, Seed: out.Seed, URLs: out.URLs, Output: make([]string, 0, len(out.Files))}
	for _, f := range out.Files {
		rel, err := filepath.Rel(h.OutputDir, f)
		if err != nil || strings.HasPrefix(rel, "..") {
			rel = filepath.Base(f)
		}
		p.Output = append(p.Output, "/outputs/"+filepath.ToSlash(rel))
	}
	return p
}

// parseInput accepts a multipart form with an "image" file or a JSON body
// {"input": {...}}. cleanup removes the uploaded copy.
func (h *Handler) parseInput(c *gin.Context) (predictor.Input, func(), error) {
	in := predictor.Input{OutputFormat: h.DefaultFormat}
	quality := h.DefaultQuality
	in.OutputQuality = &quality
	noop := func() {}

	if c.ContentType() == gin.MIMEJSON {
		var req jsonInput
		if err := c.ShouldBindJSON(&req); err != nil {
			return in, noop, errors.New("invalid request body")
		}
		if req.Input.Image != "" && !strings.HasPrefix(req.Input.Image, "http://") &&
			!strings.HasPrefix(req.Input.Image, "https://") && !h.AllowLocalPaths {
			return in, noop, errors.New("image must be an http(s) URL")
		}
		in.ImagePath = req.Input.Image
		if req.Input.OutputFormat != "" {
			in.OutputFormat = req.Input.OutputFormat
		}
		if req.Input.OutputQuality != nil {
			in.OutputQuality = req.Input.OutputQuality
		}
		in.Seed = req.Input.Seed
		return in, noop, nil
	}

	if v := c.PostForm("output_format"); v != "" {
		in.OutputFormat = v
	}
	if v := c.PostForm("output_quality"); v != "" {
		q, err := strconv.Atoi(v)
		if err != nil {
			return in, noop, errors.New("output_quality must be an integer")
		}
		in.OutputQuality = &q
	}
	if v := c.PostForm("seed"); v != "" {
		s, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return in, noop, errors.New("seed must be an integer")
		}
		in.Seed = &s
	}

	header, err := c.FormFile("image")
	if err != nil {
		return in, noop, errors.New("missing image file")
	}
	src, err := header.Open()
	if err != nil {
		return in, noop, err
	}
	defer src.Close()

	if err := h.Fs.MkdirAll(h.UploadDir, 0o755); err != nil {
		return in, noop, err
	}
	ext := filepath.Ext(header.Filename)
	dst, err := afero.TempFile(h.Fs, h.UploadDir, "upload-*"+ext)
	if err != nil {
		return in, noop, err
	}
	name := dst.Name()
	cleanup := func() {
		if err := h.Fs.Remove(name); err != nil {
			slog.Warn("Removing upload failed", "path", name, "error", err)
		}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		cleanup()
		return in, noop, err
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return in, noop, err
	}
	in.ImagePath = name
	return in, cleanup, nil
}
