package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/databloom/ollama-kv-cache-tiering/config"
	"github.com/databloom/ollama-kv-cache-tiering/inference"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect-model <model.gguf>",
	Short: "Print a model's KV block geometry derived from its GGUF metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		md, err := inference.LoadModelMetadata(args[0])
		if err != nil {
			return err
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		md.ApplyToConfig(&cfg.Model)

		blockBytes := cfg.KVBlockBytes()
		fmt.Printf("architecture     : %s\n", md.Architecture)
		fmt.Printf("layers           : %d\n", cfg.Model.NLayers)
		fmt.Printf("kv heads         : %d\n", cfg.Model.NKvHeads)
		fmt.Printf("head dim         : %d\n", cfg.Model.HeadDim)
		fmt.Printf("context size     : %d\n", cfg.Model.ContextSize)
		fmt.Printf("block size       : %d tokens\n", cfg.Model.BlockSize)
		fmt.Printf("kv block bytes   : %d (fp16)\n", blockBytes)
		fmt.Printf("tokens in 8 GiB  : %d\n", cfg.TokensForBudget(8<<30))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
