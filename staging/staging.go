// Package staging moves files in and out of the directories shared with the
// ComfyUI process.
package staging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/richinsley/comfypredict/workflow"
	"github.com/spf13/afero"
)

// FilenameWithExtension keeps the extension of src and replaces the rest of
// the name with prefix: ("/uploads/cat.JPG", "image") -> "image.JPG"
func FilenameWithExtension(src string, prefix string) string {
	return prefix + filepath.Ext(src)
}

type Stager struct {
	fs         afero.Fs
	inputDir   string
	httpclient *http.Client
}

func NewStager(fs afero.Fs, inputDir string) *Stager {
	return &Stager{
		fs:         fs,
		inputDir:   inputDir,
		httpclient: &http.Client{},
	}
}

func (s *Stager) InputDir() string {
	return s.inputDir
}

func (s *Stager) SetHttpClient(client *http.Client) {
	s.httpclient = client
}

// Stage copies src into the input directory as filename and returns the
// destination path.
func (s *Stager) Stage(src string, filename string) (string, error) {
	in, err := s.fs.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	return s.StageReader(in, filename)
}

// StageReader writes r into the input directory as filename
func (s *Stager) StageReader(r io.Reader, filename string) (string, error) {
	if err := s.fs.MkdirAll(s.inputDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(s.inputDir, filepath.Base(filename))
	out, err := s.fs.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return "", fmt.Errorf("writing %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// FetchRemoteInputs downloads every "image" input that holds an http(s) URL
// into the input directory and points the node at the local copy.
func (s *Stager) FetchRemoteInputs(ctx context.Context, wf workflow.Workflow) error {
	for _, id := range wf.NodeIDs() {
		node := wf[id]
		v, ok := node.Inputs["image"].(string)
		if !ok || !IsRemote(v) {
			continue
		}
		filename, err := s.fetch(ctx, v)
		if err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		if err := wf.SetInput(id, "image", filename); err != nil {
			return err
		}
		slog.Info("Downloaded remote input", "node_id", id, "url", v, "filename", filename)
	}
	return nil
}

// IsRemote reports whether v is an http(s) URL rather than a local path
func IsRemote(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// RemoteFilename is the last path element of rawurl, or "input" when the
// URL has no usable path.
func RemoteFilename(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "input"
	}
	filename := path.Base(u.Path)
	if filename == "." || filename == ".." || filename == "/" || filename == "" {
		return "input"
	}
	return filename
}

func (s *Stager) fetch(ctx context.Context, rawurl string) (string, error) {
	filename := RemoteFilename(rawurl)
	if _, err := s.StageURL(ctx, rawurl, filename); err != nil {
		return "", err
	}
	return filename, nil
}

// StageURL downloads rawurl into the input directory as filename
func (s *Stager) StageURL(ctx context.Context, rawurl string, filename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpclient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: %s", rawurl, resp.Status)
	}
	return s.StageReader(resp.Body, filename)
}
