package main

import (
	"context"
	"os"

	"github.com/richinsley/comfypredict/config"
	"github.com/richinsley/comfypredict/predictor"
	"github.com/richinsley/comfypredict/storage"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app is shared by the subcommands once the configuration is loaded
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "comfypredict",
		Short: "Run a ComfyUI workflow as a single prediction",
		Long: `comfypredict runs one API format ComfyUI workflow per request: it stages
the input image, patches the image filename and seed into the workflow,
runs it on ComfyUI and converts the outputs to the requested format.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return config.SetupLogging(os.Stderr, cfg.Log)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./config.yaml or ./config/config.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("workflow", "workflow_api.json", "API format workflow (.json, or .png with prompt metadata)")
	flags.String("engine-url", "", "attach to a running ComfyUI at this URL instead of starting one")
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = a.v.BindPFlag("workflow", flags.Lookup("workflow"))
	_ = a.v.BindPFlag("engine.url", flags.Lookup("engine-url"))

	root.AddCommand(
		newServeCmd(a),
		newPredictCmd(a),
		newStatsCmd(a),
		newInspectCmd(a),
		newConfigCmd(a),
	)
	return root
}

// newPredictor wires storage and the OS filesystem into a predictor
func (a *app) newPredictor(ctx context.Context, opts ...predictor.Option) (*predictor.Predictor, error) {
	fs := afero.NewOsFs()
	opts = append([]predictor.Option{predictor.WithFs(fs)}, opts...)
	if a.cfg.Storage.Enabled() {
		pub, err := storage.NewPublisher(ctx, fs, a.cfg.Storage)
		if err != nil {
			return nil, err
		}
		opts = append(opts, predictor.WithPublisher(pub))
	}
	return predictor.New(a.cfg.Predictor(), opts...)
}
