package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/richinsley/comfypredict/staging"
	"github.com/spf13/afero"
)

// OfflineEnv keeps the Hugging Face libraries bundled with ComfyUI from
// reaching the network.
var OfflineEnv = map[string]string{
	"HF_DATASETS_OFFLINE":      "1",
	"TRANSFORMERS_OFFLINE":     "1",
	"HF_HUB_DISABLE_TELEMETRY": "1",
}

// OfflineEnviron returns OfflineEnv as KEY=VALUE pairs
func OfflineEnviron() []string {
	retv := make([]string, 0, len(OfflineEnv))
	for k, v := range OfflineEnv {
		retv = append(retv, k+"="+v)
	}
	sort.Strings(retv)
	return retv
}

// ApplyOfflineEnv sets OfflineEnv on the current process
func ApplyOfflineEnv() error {
	for k, v := range OfflineEnv {
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("setting %s: %w", k, err)
		}
	}
	return nil
}

// QueueClearer drops pending prompts
type QueueClearer interface {
	ClearQueue(ctx context.Context) error
}

// Cleanup clears the engine queue, when q is set, then empties every
// staging directory.
func Cleanup(ctx context.Context, q QueueClearer, fs afero.Fs, dirs ...string) error {
	if q != nil {
		if err := q.ClearQueue(ctx); err != nil {
			return fmt.Errorf("clearing queue: %w", err)
		}
	}
	if err := staging.ResetDirs(fs, dirs...); err != nil {
		return err
	}
	slog.Debug("Cleaned staging directories", "dirs", dirs)
	return nil
}
