// cmd_run.go - run command handler
// Main function: RunHandler
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ignite-run/ignite/bytetok"
	"github.com/ignite-run/ignite/envconfig"
	"github.com/ignite-run/ignite/generator"
	"github.com/ignite-run/ignite/gpubuf"
	"github.com/ignite-run/ignite/lora"
	"github.com/ignite-run/ignite/store"
	"github.com/ignite-run/ignite/weights"
)

// RunHandler loads a model directory (manifest.json plus shards) and
// generates from the given prompt, or from stdin when none is given on
// the command line, streaming tokens to stdout as they arrive.
func RunHandler(cmd *cobra.Command, args []string) error {
	modelDir := args[0]
	prompt := strings.Join(args[1:], " ")
	if prompt == "" {
		in, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("ignite run: read stdin: %w", err)
		}
		prompt = string(in)
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("ignite run: no prompt given (pass it as an argument or pipe it on stdin)")
	}

	nowrap, err := cmd.Flags().GetBool("nowordwrap")
	if err != nil {
		return err
	}
	temperature, err := cmd.Flags().GetFloat64("temperature")
	if err != nil {
		return err
	}
	topK, err := cmd.Flags().GetInt("topk")
	if err != nil {
		return err
	}
	topP, err := cmd.Flags().GetFloat64("topp")
	if err != nil {
		return err
	}
	maxTokens, err := cmd.Flags().GetInt("maxtokens")
	if err != nil {
		return err
	}
	adapterDir, err := cmd.Flags().GetString("adapter")
	if err != nil {
		return err
	}

	manifestBytes, err := store.ReadFile(modelDir, "manifest.json")
	if err != nil {
		return fmt.Errorf("ignite run: %w", err)
	}
	manifest, err := weights.ParseManifest(manifestBytes)
	if err != nil {
		return fmt.Errorf("ignite run: %w", err)
	}

	pool := gpubuf.New(nil)
	w, err := weights.Load(manifest, store.DiskShardLoader{Dir: modelDir, Manifest: manifest}, weights.LoadOptions{Pool: pool})
	if err != nil {
		return fmt.Errorf("ignite run: load weights: %w", err)
	}

	cfg := generator.Config{
		Device:    &generator.Device{Pool: pool},
		Manifest:  manifest,
		Weights:   w,
		Tokenizer: bytetok.New(),
	}

	if adapterDir != "" {
		mgr := lora.NewManager(store.DiskAdapterLoader{}, 0, 2, lora.StackOptions{Strategy: lora.MergeWeightedSum, NormalizeWeights: true})
		id := filepath.Base(adapterDir)
		if err := mgr.Load(id, adapterDir); err != nil {
			return fmt.Errorf("ignite run: load adapter: %w", err)
		}
		if err := mgr.Enable(id, lora.EnableOptions{}); err != nil {
			return fmt.Errorf("ignite run: enable adapter: %w", err)
		}
		cfg.LoRAManager = mgr
	}

	session, err := generator.NewSession(cfg)
	if err != nil {
		return fmt.Errorf("ignite run: %w", err)
	}

	items, err := session.Generate(cmd.Context(), prompt, generator.GenerateOptions{
		Temperature:    temperature,
		TopK:           topK,
		TopP:           topP,
		MaxTokens:      maxTokens,
		DriftThreshold: envconfig.DriftThreshold(),
	})
	if err != nil {
		return fmt.Errorf("ignite run: %w", err)
	}

	return streamToStdout(cmd.Context(), items, !nowrap)
}

// streamToStdout drains a generation's item channel, word-wrapping the
// accumulated text unless wordWrap is false, and returns the stream's
// terminal error (if any).
func streamToStdout(ctx context.Context, items <-chan generator.Item, wordWrap bool) error {
	state := &displayResponseState{}
	for item := range items {
		switch item.Kind {
		case generator.ItemToken:
			displayResponse(item.Text, wordWrap, state)
		case generator.ItemError:
			fmt.Println()
			return item.Err
		case generator.ItemEnd:
			fmt.Println()
		}
	}
	return ctx.Err()
}

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run MODELDIR [PROMPT]",
		Short: "Run a model from a local model directory",
		Args:  cobra.MinimumNArgs(1),
		RunE:  RunHandler,
	}

	runCmd.Flags().Bool("nowordwrap", false, "Don't wrap words to the next line automatically")
	runCmd.Flags().Float64("temperature", 0.8, "Sampling temperature")
	runCmd.Flags().Int("topk", 40, "Top-k sampling cutoff")
	runCmd.Flags().Float64("topp", 0.9, "Top-p (nucleus) sampling cutoff")
	runCmd.Flags().Int("maxtokens", 256, "Maximum number of tokens to generate")
	runCmd.Flags().String("adapter", "", "Path to a LoRA adapter directory to enable for this run")

	return runCmd
}
