package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/richinsley/comfypredict/client"
	"github.com/richinsley/comfypredict/predictor"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newPredictCmd(a *app) *cobra.Command {
	var (
		in      predictor.Input
		quality int
		seed    int64
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run a single prediction and print the result as JSON",
		Example: `  comfypredict predict -i cat.png --format jpg --quality 90 --seed 42
  comfypredict predict -i https://example.com/cat.png --engine-url http://127.0.0.1:8188`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.ImagePath == "" {
				return errors.New("--image is required")
			}
			if in.OutputFormat == "" {
				in.OutputFormat = a.cfg.Output.Format
			}
			if !cmd.Flags().Changed("quality") {
				quality = a.cfg.Output.Quality
			}
			in.OutputQuality = &quality
			if cmd.Flags().Changed("seed") {
				in.Seed = &seed
			}
			return a.predict(cmd.Context(), cmd.OutOrStdout(), in)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&in.ImagePath, "image", "i", "", "input image, a local file or an http(s) URL")
	flags.StringVar(&in.OutputFormat, "format", "", "output format: webp, jpg or png (default from config)")
	flags.IntVar(&quality, "quality", 80, "output quality, 0 to 100")
	flags.Int64Var(&seed, "seed", -1, "sampler seed, negative for random")
	return cmd
}

func (a *app) predict(parent context.Context, w io.Writer, in predictor.Input) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := a.newPredictor(ctx, predictor.WithMessageHandlers(progressHandlers()))
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			slog.Warn("Closing predictor", "error", err)
		}
	}()

	if err := p.Setup(ctx); err != nil {
		return err
	}
	out, err := p.Predict(ctx, in)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// progressHandlers logs node execution and draws a progress bar on stderr
// for nodes that report progress, such as the sampler.
func progressHandlers() *client.MessageHandlers {
	var (
		bar   *progressbar.ProgressBar
		title string
	)
	finish := func() {
		if bar != nil {
			_ = bar.Finish()
			bar = nil
		}
	}

	h := client.DefaultMessageHandlers()
	return h.
		WithExecutingHandler(func(msg *client.PromptMessageExecuting) {
			finish()
			title = msg.Title
			slog.Info("Executing node", "node_id", msg.NodeID, "title", msg.Title)
		}).
		WithProgressHandler(func(msg *client.PromptMessageProgress) {
			if bar == nil {
				bar = progressbar.NewOptions(msg.Max,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription(title),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set(msg.Value)
		}).
		WithCompleteHandler(finish)
}
