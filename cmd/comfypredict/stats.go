package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/richinsley/comfypredict/client"
	"github.com/spf13/cobra"
)

func newStatsCmd(a *app) *cobra.Command {
	var history, nodes bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show system stats, extensions and queue of a running ComfyUI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			// no prompts are queued, so the websocket is never opened
			c, err := client.NewComfyClientFromURL(a.cfg.EngineURL(), nil)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if err := displaySystemStats(ctx, w, c); err != nil {
				return err
			}
			if err := displayExtensions(ctx, w, c); err != nil {
				return err
			}
			if err := displayQueue(ctx, w, c); err != nil {
				return err
			}
			if history {
				if err := displayPromptHistory(ctx, w, c); err != nil {
					return err
				}
			}
			if nodes {
				return displayAvailableNodes(ctx, w, c)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "also list the prompt history")
	cmd.Flags().BoolVar(&nodes, "nodes", false, "also list the available node classes")
	return cmd
}

func displaySystemStats(ctx context.Context, w io.Writer, c *client.ComfyClient) error {
	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		return fmt.Errorf("getting system stats: %w", err)
	}
	fmt.Fprintln(w, "System Stats:")
	fmt.Fprintf(w, "\tOS: %s\n", stats.System.OS)
	fmt.Fprintf(w, "\tPython Version: %s\n", stats.System.PythonVersion)
	if stats.System.ComfyUIVersion != "" {
		fmt.Fprintf(w, "\tComfyUI Version: %s\n", stats.System.ComfyUIVersion)
	}
	if stats.System.RAMTotal > 0 {
		fmt.Fprintf(w, "\tRAM: %s free of %s\n", humanize.IBytes(uint64(stats.System.RAMFree)), humanize.IBytes(uint64(stats.System.RAMTotal)))
	}
	fmt.Fprintln(w, "\tDevices:")
	for _, dev := range stats.Devices {
		fmt.Fprintf(w, "\t\t%d %s (%s)\n", dev.Index, dev.Name, dev.Type)
		fmt.Fprintf(w, "\t\t\tVRAM: %s free of %s\n", humanize.IBytes(uint64(dev.VRAM_Free)), humanize.IBytes(uint64(dev.VRAM_Total)))
		fmt.Fprintf(w, "\t\t\tTorch VRAM: %s free of %s\n", humanize.IBytes(uint64(dev.Torch_VRAM_Free)), humanize.IBytes(uint64(dev.Torch_VRAM_Total)))
	}
	return nil
}

func displayExtensions(ctx context.Context, w io.Writer, c *client.ComfyClient) error {
	extensions, err := c.GetExtensions(ctx)
	if err != nil {
		return fmt.Errorf("getting extensions: %w", err)
	}
	fmt.Fprintln(w, "Installed extensions:")
	for _, e := range extensions {
		fmt.Fprintf(w, "\t%s\n", e)
	}
	embeddings, err := c.GetEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("getting embeddings: %w", err)
	}
	fmt.Fprintf(w, "Embeddings: %d\n", len(embeddings))
	for _, e := range embeddings {
		fmt.Fprintf(w, "\t%s\n", e)
	}
	return nil
}

func displayQueue(ctx context.Context, w io.Writer, c *client.ComfyClient) error {
	info, err := c.GetQueueExecutionInfo(ctx)
	if err != nil {
		return fmt.Errorf("getting queue: %w", err)
	}
	fmt.Fprintf(w, "Queue remaining: %d\n", info.ExecInfo.QueueRemaining)
	return nil
}

func displayPromptHistory(ctx context.Context, w io.Writer, c *client.ComfyClient) error {
	items, err := c.GetPromptHistoryByIndex(ctx)
	if err != nil {
		return fmt.Errorf("getting prompt history: %w", err)
	}
	fmt.Fprintln(w, "Prompt History:")
	for _, p := range items {
		fmt.Fprintf(w, "\t%d %s %s\n", p.Index, p.PromptID, p.Status.StatusStr)
		for _, f := range p.Files("") {
			fmt.Fprintf(w, "\t\t%s type=%s subfolder=%q\n", f.Filename, f.Type, f.Subfolder)
		}
	}
	return nil
}

func displayAvailableNodes(ctx context.Context, w io.Writer, c *client.ComfyClient) error {
	infos, err := c.GetObjectInfos(ctx)
	if err != nil {
		return fmt.Errorf("getting object info: %w", err)
	}
	names := make([]string, 0, len(infos))
	for name := range infos {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "Available nodes: %d\n", len(names))
	for _, name := range names {
		n := infos[name]
		output := ""
		if n.OutputNode {
			output = " [output]"
		}
		fmt.Fprintf(w, "\t%s %q %s%s\n", name, n.DisplayName, n.Category, output)
	}
	return nil
}
