package workflow

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Store reads the static workflow document. Every Load goes back to disk so
// a request never sees values patched in by a previous one.
type Store struct {
	fs   afero.Fs
	path string
}

func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads and decodes the workflow. A .png source must carry an API
// format prompt in its "prompt" text chunk.
func (s *Store) Load() (Workflow, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(s.path), ".png") {
		metadata, err := GetPngMetadata(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.path, err)
		}
		prompt, ok := metadata["prompt"]
		if !ok {
			if _, hasGraph := metadata["workflow"]; hasGraph {
				return nil, ErrUIFormat
			}
			return nil, errors.New("png does not contain prompt metadata")
		}
		return ParseBytes([]byte(prompt))
	}

	wf, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return wf, nil
}
