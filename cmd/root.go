// cmd/root.go
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/databloom/ollama-kv-cache-tiering/cache"
	"github.com/databloom/ollama-kv-cache-tiering/config"
	"github.com/databloom/ollama-kv-cache-tiering/gpu"
	"github.com/databloom/ollama-kv-cache-tiering/inference"
	"github.com/databloom/ollama-kv-cache-tiering/transfer"
)

var (
	configPath string
	logLevel   string
	traceLevel string

	numRequests  int
	promptTokens int
	maxNewTokens int
)

var rootCmd = &cobra.Command{
	Use:   "kvtier",
	Short: "Tiered KV-cache LLM inference server",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the tiered cache stack and drive a synthetic decode workload",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if !cache.IsValidTraceLevel(traceLevel) {
			logrus.Fatalf("Invalid trace level: %s", traceLevel)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		stack, err := buildStack(cfg, cache.TraceLevel(traceLevel))
		if err != nil {
			return err
		}

		logrus.Infof("Starting workload: %d requests, %d prompt tokens, %d new tokens each",
			numRequests, promptTokens, maxNewTokens)

		for i := 0; i < numRequests; i++ {
			prompt := make([]inference.TokenId, promptTokens)
			events := stack.engine.Generate(inference.GenerationRequest{
				PromptTokens: prompt,
				MaxTokens:    maxNewTokens,
			})
			for ev := range events {
				if ev.Kind == inference.EventError {
					logrus.Errorf("generation failed: %v", ev.Err)
				}
			}
		}
		stack.engine.Wait()

		printTierStats(stack.pager)
		logrus.Info("Workload complete.")
		return nil
	},
}

// stack bundles the wired runtime components.
type stack struct {
	pager     *cache.Pager
	engine    *inference.Engine
	allocator *gpu.VramAllocator
	scheduler *transfer.DmaScheduler
}

// buildStack wires the allocator, transfer engines, pager and engine
// from a validated configuration.
func buildStack(cfg *config.Config, trace cache.TraceLevel) (*stack, error) {
	blockBytes := cfg.KVBlockBytes()

	devices := gpu.DetectDevices()
	deviceVram := make(map[int]int)
	if len(devices) == 0 {
		// Host-only mode: one simulated device carrying the full budget.
		budget := cfg.Tiers.GpuVramBudget
		if budget == 0 {
			budget = 64 * blockBytes
		}
		deviceVram[0] = budget
	} else {
		for _, d := range devices {
			budget := d.FreeVram
			if cfg.Tiers.GpuVramBudget > 0 {
				budget = cfg.Tiers.GpuVramBudget / len(devices)
			}
			deviceVram[d.ID] = budget
		}
	}

	allocator := gpu.NewVramAllocator(deviceVram, blockBytes)
	gpuEngine := transfer.NewGpuTransferEngine(deviceVram, cfg.Transfer.StagingBufferBytes)
	diskEngine, err := transfer.NewDiskEngine(cfg.Tiers.LocalSsdPath, cfg.Tiers.NfsPath)
	if err != nil {
		return nil, err
	}
	scheduler := transfer.NewDmaScheduler(cfg.Transfer.MaxConcurrent)

	pager, err := cache.NewPager(cfg)
	if err != nil {
		return nil, err
	}
	pager.AttachTransport(gpuEngine, diskEngine)
	pager.AttachAllocator(allocator)
	pager.AttachScheduler(scheduler)
	pager.AttachTrace(cache.NewDecisionTrace(trace))

	engine := inference.NewEngine(cfg, pager, scheduler, allocator)
	return &stack{pager: pager, engine: engine, allocator: allocator, scheduler: scheduler}, nil
}

func printTierStats(pager *cache.Pager) {
	stats := pager.TierStatsSnapshot()
	logrus.Info("=== Tier usage ===")
	for _, tier := range cache.AllTiers {
		s, ok := stats[tier]
		if !ok {
			continue
		}
		logrus.Infof("%-4s: %4d blocks, %12d bytes used, %5.1f%% of budget",
			tier, s.BlockCount, s.BytesUsed, s.UsageFraction()*100)
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")

	runCmd.Flags().StringVar(&traceLevel, "trace", "none", "Decision trace level (none, decisions)")
	runCmd.Flags().IntVar(&numRequests, "requests", 4, "Number of synthetic generation requests")
	runCmd.Flags().IntVar(&promptTokens, "prompt-tokens", 1024, "Prompt length per request in tokens")
	runCmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 256, "Tokens to generate per request")

	rootCmd.AddCommand(runCmd)
}
