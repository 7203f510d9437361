package main

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/kalambet/tankyu/internal/config"
	"github.com/kalambet/tankyu/internal/llm"
	"github.com/kalambet/tankyu/internal/ollama"
	"github.com/kalambet/tankyu/internal/proxy"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models offered by the configured LLM provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		names, err := listModels(cmd.Context(), cfg.LLM)
		if err != nil {
			return err
		}
		for _, n := range names {
			marker := " "
			if n == cfg.LLM.Model {
				marker = colorize(colorGreen, "*")
			}
			fmt.Printf("%s %s\n", marker, n)
		}
		return nil
	},
}

func listModels(ctx context.Context, cfg config.LLMConfig) ([]string, error) {
	switch cfg.Provider {
	case llm.ProviderOllama:
		return ollama.New(cfg.OllamaURL).ListModels(ctx)
	case llm.ProviderOpenRouter:
		c := proxy.NewClient(cfg.APIKey)
		if cfg.BaseURL != "" {
			c = proxy.NewClientWithBaseURL(cfg.APIKey, cfg.BaseURL)
		}
		models, err := c.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		return lo.Map(models, func(m proxy.Model, _ int) string { return m.ID }), nil
	default:
		return nil, fmt.Errorf("listing models is not supported for provider %q", cfg.Provider)
	}
}
