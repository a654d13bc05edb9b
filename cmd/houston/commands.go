package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kyleturman/houston-sub001/internal/config"
	"github.com/kyleturman/houston-sub001/internal/orchestrator"
	"github.com/kyleturman/houston-sub001/internal/providers"
	"github.com/kyleturman/houston-sub001/internal/runtime"
)

func buildTurnCmd(configPath *string) *cobra.Command {
	var providerName string
	var model string
	var noStream bool

	cmd := &cobra.Command{
		Use:   "turn [message]",
		Short: "Run one agent turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)

			adapter, err := buildAdapter(cfg, providerName, logger)
			if err != nil {
				return err
			}
			store, cleanup, err := buildStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			machine, err := runtime.NewMachine(runtime.MachineConfig{
				Store:          store,
				Logger:         logger,
				SessionTimeout: cfg.Agent.SessionTimeout,
			})
			if err != nil {
				return err
			}

			vendor := vendorConfig(cfg, adapter.Name())
			runner := &orchestrator.Runner{
				Adapter:       adapter,
				Machine:       machine,
				System:        cfg.Agent.System,
				Model:         model,
				MaxTokens:     vendor.MaxTokens,
				Temperature:   vendor.Temperature,
				MaxIterations: cfg.Agent.MaxIterations,
				Stream:        !noStream,
				Logger:        logger,
			}
			if !noStream {
				runner.OnEvent = func(ev providers.Event) {
					if ev.Type == providers.EventTextDelta {
						fmt.Print(ev.Text)
					}
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			result, err := runner.Run(ctx, cfg.Agent.ID, args[0])
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Fprintln(os.Stderr, "turn skipped: another run is in progress")
				return nil
			}
			if noStream {
				fmt.Println(result.Text)
			} else {
				fmt.Println()
			}
			fmt.Fprintf(os.Stderr, "tokens: %d in / %d out, cost: $%.4f\n",
				result.Usage.InputTokens, result.Usage.OutputTokens, result.Cost)
			return nil
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "", "provider to use (anthropic, openai, local)")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for the full response instead of streaming")
	return cmd
}

func buildStateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the agent's runtime state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			newLogger(cfg.Logging)
			store, cleanup, err := buildStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			state, err := store.State(cmd.Context(), cfg.Agent.ID)
			if err != nil {
				return err
			}
			printState(state)

			msgs, err := store.Messages(cmd.Context(), cfg.Agent.ID)
			if err != nil {
				return err
			}
			fmt.Printf("live messages: %d\n", len(msgs))
			return nil
		},
	}
}

func buildHistoryCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			newLogger(cfg.Logging)
			store, cleanup, err := buildStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := store.History(cmd.Context(), cfg.Agent.ID, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no archived sessions")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s  %-14s  %3d messages  %6d tokens\n",
					r.CompletedAt.Format(time.RFC3339), r.CompletionReason, r.MessageCount, r.TokenCount)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to show")
	return cmd
}

// buildAdapter constructs the configured provider adapter.
func buildAdapter(cfg *config.Config, override string, logger *slog.Logger) (providers.Adapter, error) {
	name := override
	if name == "" {
		name = cfg.Providers.Default
	}
	switch strings.ToLower(name) {
	case "anthropic":
		return providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
			Timeout:      cfg.Providers.Anthropic.Timeout,
			Logger:       logger,
		})
	case "openai":
		return providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
			Timeout:      cfg.Providers.OpenAI.Timeout,
			Logger:       logger,
		})
	case "local":
		return providers.NewLocal(providers.LocalConfig{
			BaseURL:      cfg.Providers.Local.BaseURL,
			DefaultModel: cfg.Providers.Local.DefaultModel,
			Timeout:      cfg.Providers.Local.Timeout,
			Pricing:      cfg.Providers.Local.Pricing,
			DisableTools: cfg.Providers.Local.DisableTools,
			Logger:       logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// vendorConfig returns the sampling settings for the active provider.
func vendorConfig(cfg *config.Config, name string) config.VendorConfig {
	switch name {
	case "openai":
		return cfg.Providers.OpenAI
	case "local":
		return config.VendorConfig{
			MaxTokens:   cfg.Providers.Local.MaxTokens,
			Temperature: cfg.Providers.Local.Temperature,
		}
	default:
		return cfg.Providers.Anthropic
	}
}

// buildStore opens the configured store.
func buildStore(cfg *config.Config) (runtime.Store, func(), error) {
	if cfg.Store.Path == "" {
		return runtime.NewMemoryStore(), func() {}, nil
	}
	store, err := runtime.OpenSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func printState(state runtime.State) {
	if state.ExecutionLock != nil {
		fmt.Printf("execution lock: held since %s\n", state.ExecutionLock.StartedAt.Format(time.RFC3339))
	} else {
		fmt.Println("execution lock: free")
	}
	if state.TurnStartedAt != nil {
		fmt.Printf("session: live since %s\n", state.TurnStartedAt.Format(time.RFC3339))
	} else {
		fmt.Println("session: none")
	}
	printSlot("scheduled check-in", state.ScheduledCheckIn)
	printSlot("next follow-up", state.NextFollowUp)
	printSlot("original follow-up", state.OriginalFollowUp)
}

func printSlot(label string, c *runtime.CheckIn) {
	if c == nil {
		fmt.Printf("%s: none\n", label)
		return
	}
	fmt.Printf("%s: %s\n", label, c.At.Format(time.RFC3339))
}
