// Command rwkvcore inspects weight containers and drives the
// inference runtime directly, taking raw token ids on the command
// line (tokenization happens outside this runtime).
//
// Usage:
//
//	# Show a container's model header
//	rwkvcore info model.rwkv
//
//	# Greedily decode 16 tokens after a prompt
//	rwkvcore run model.rwkv --tokens 510,3158,59 --generate 16
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/rwkvcore/pkg/config"
	"github.com/orneryd/rwkvcore/pkg/container"
	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/gpu/cuda"
	"github.com/orneryd/rwkvcore/pkg/gpu/opencl"
	"github.com/orneryd/rwkvcore/pkg/gpu/softgpu"
	"github.com/orneryd/rwkvcore/pkg/gpu/vulkan"
	"github.com/orneryd/rwkvcore/pkg/job"
	"github.com/orneryd/rwkvcore/pkg/model"
	"github.com/orneryd/rwkvcore/pkg/state"
	"github.com/orneryd/rwkvcore/pkg/weights"
)

var (
	logLevel  string
	tokensArg string
	generate  int
	chunkSize int
)

var rootCmd = &cobra.Command{
	Use:   "rwkvcore",
	Short: "RWKV inference runtime",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <container>",
	Short: "Print a container's model header and entry count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		r, err := container.Open(f)
		if err != nil {
			return err
		}
		infoBytes, err := r.GetBytes(weights.InfoEntryName)
		if err != nil {
			return err
		}
		info, err := weights.ParseModelInfo(infoBytes)
		if err != nil {
			return err
		}
		fmt.Printf("version:    %s\n", info.Version)
		fmt.Printf("layers:     %d\n", info.NumLayer)
		fmt.Printf("embedding:  %d\n", info.NumEmb)
		fmt.Printf("hidden:     %d\n", info.NumHidden)
		fmt.Printf("vocabulary: %d\n", info.NumVocab)
		if info.NumHead > 0 {
			fmt.Printf("heads:      %d\n", info.NumHead)
		}
		fmt.Printf("tensors:    %d\n", len(r.Entries()))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <container>",
	Short: "Greedily decode tokens after a prompt of raw token ids",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := parseTokens(tokensArg)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r, err := container.Open(f)
		if err != nil {
			return err
		}

		infoBytes, err := r.GetBytes(weights.InfoEntryName)
		if err != nil {
			return err
		}
		info, err := weights.ParseModelInfo(infoBytes)
		if err != nil {
			return err
		}

		cfg := config.LoadFromEnv()
		limits := gpu.ComputeLimits(info.NumEmb, info.NumHidden, info.NumVocab)
		if cfg.MaxBufferMB > 0 {
			limits.MaxBufferSize = cfg.MaxBufferMB << 20
		}
		ctx, err := gpu.NewContext(gpu.Config{Preferred: cfg.Backend, Limits: limits}, map[string]func() (gpu.Backend, error){
			"softgpu": softgpu.New,
			"cuda":    cuda.New,
			"vulkan":  vulkan.New,
			"opencl":  opencl.New,
		})
		if err != nil {
			return err
		}
		defer ctx.Release()

		opts := weights.OptionsFromConfig(cfg)
		if cmd.Flags().Changed("chunk") {
			opts.TokenChunkSize = chunkSize
		}
		w, err := weights.Build(ctx, r, opts)
		if err != nil {
			return err
		}
		m, err := model.New(ctx, w)
		if err != nil {
			return err
		}
		st, err := state.New(ctx, w.Info, opts.MaxBatch, opts.ChunkSize)
		if err != nil {
			return err
		}

		rt := job.NewRuntime(m, opts.TokenChunkSize)
		defer rt.Close()

		tokens := make([][]uint16, opts.MaxBatch)
		tokens[0] = prompt
		for generated := 0; generated < generate; {
			res := <-rt.Submit(tokens, st)
			if res.Err != nil {
				return res.Err
			}
			tokens = res.Tokens
			// mid-prefill steps also emit logits for the leftover batch;
			// sample only once the prompt is fully consumed
			if res.Logits[0] == nil || len(tokens[0]) > 0 {
				continue
			}
			next := argmax(res.Logits[0])
			fmt.Printf("%d ", next)
			tokens[0] = append(tokens[0], next)
			generated++
		}
		fmt.Println()
		return nil
	},
}

func parseTokens(s string) ([]uint16, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("--tokens is required")
	}
	parts := strings.Split(s, ",")
	out := make([]uint16, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid token %q: %w", p, err)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}

func argmax(logits []float32) uint16 {
	best, bestV := 0, float32(0)
	for i, v := range logits {
		if i == 0 || v > bestV {
			best, bestV = i, v
		}
	}
	return uint16(best)
}

func main() {
	rootCmd.AddCommand(infoCmd, runCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&tokensArg, "tokens", "", "comma-separated prompt token ids")
	runCmd.Flags().IntVar(&generate, "generate", 16, "number of tokens to decode greedily")
	runCmd.Flags().IntVar(&chunkSize, "chunk", 32, "token chunk size per step (power of two)")
}
