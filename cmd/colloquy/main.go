package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/colloquy/dialogue"
	"github.com/hrygo/colloquy/llm"
)

var rootCmd = &cobra.Command{
	Use:   "colloquy",
	Short: `Multi-agent LLM dialogues: chat with one model, or set two against each other in moderated discussions and judged debates.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Load .env from the working directory when present.
		_ = godotenv.Load()
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List the model catalogue of one or all providers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		providers := llm.Providers()
		if len(args) == 1 {
			providers = []string{args[0]}
		}
		refresh, _ := cmd.Flags().GetBool("refresh")

		for _, provider := range providers {
			client, err := a.resolve(provider)
			if err != nil {
				return err
			}
			models, err := listModels(cmd.Context(), client, refresh)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", provider, err)
				continue
			}
			fmt.Printf("%s (%d models)\n", provider, len(models))
			for _, m := range models {
				fmt.Printf("  %s\n", m)
			}
		}
		return nil
	},
}

func listModels(ctx context.Context, client llm.Client, refresh bool) ([]string, error) {
	if refresh {
		return client.RefreshModels(ctx)
	}
	return client.ListModels(ctx)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with a single model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		provider, _ := cmd.Flags().GetString("provider")
		model, _ := cmd.Flags().GetString("model")
		spec := dialogue.Spec{
			Mode:        dialogue.ModeChat,
			Agents:      []dialogue.Agent{{Role: dialogue.RoleChatAssistant, Provider: provider, Model: model}},
			Rounds:      intFlag(cmd, a, "rounds", "chat.rounds"),
			Temperature: tempFlag(cmd, a, "chat.temperature"),
			TimeLimit:   durFlag(cmd),
			Input:       stdinInput(),
		}
		return a.runDialogue(spec)
	},
}

var discussCmd = &cobra.Command{
	Use:   "discuss <topic>",
	Short: "Two scholars discuss a topic, closed by an expert synthesis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		spec := dialogue.Spec{
			Mode:  dialogue.ModeDiscussion,
			Topic: args[0],
			Agents: []dialogue.Agent{
				agentFlag(cmd, 1, dialogue.RoleScholarA),
				agentFlag(cmd, 2, dialogue.RoleScholarB),
				agentFlag(cmd, 3, dialogue.RoleSummariser),
			},
			Rounds:      intFlag(cmd, a, "rounds", "discussion.rounds"),
			Temperature: tempFlag(cmd, a, "discussion.temperature"),
			TimeLimit:   durFlag(cmd),
		}
		return a.runDialogue(spec)
	},
}

var debateCmd = &cobra.Command{
	Use:   "debate <motion> [motion...]",
	Short: "Pro and con debate one or more motions, scored by a judge",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		spec := dialogue.Spec{
			Mode:   dialogue.ModeDebate,
			Topics: args,
			Agents: []dialogue.Agent{
				agentFlag(cmd, 1, dialogue.RolePro),
				agentFlag(cmd, 2, dialogue.RoleCon),
				agentFlag(cmd, 3, dialogue.RoleJudge),
			},
			Rounds:      intFlag(cmd, a, "rounds", "debate.rounds"),
			Temperature: tempFlag(cmd, a, "debate.temperature"),
			TimeLimit:   durFlag(cmd),
		}
		return a.runDialogue(spec)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List saved dialogue records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		offset, _ := cmd.Flags().GetInt("offset")
		limit, _ := cmd.Flags().GetInt("limit")
		records := a.hist.Page(offset, limit)
		if len(records) == 0 {
			fmt.Println("no records")
			return nil
		}
		for i, rec := range records {
			fmt.Printf("%3d  %-10s  %-19s  %s\n", offset+i, rec.Kind, rec.StartTime, rec.Topic)
			fmt.Printf("     %s\n", strings.Join(rec.AgentLabels(), " vs "))
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <index>",
	Short: "Print one record's full transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		var index int
		if _, err := fmt.Sscanf(args[0], "%d", &index); err != nil {
			return fmt.Errorf("invalid index %q", args[0])
		}
		records := a.hist.Page(index, 1)
		if len(records) == 0 {
			return fmt.Errorf("no record at index %d", index)
		}
		rec := records[0]
		fmt.Printf("%s | %s | %s - %s | %d rounds\n\n", rec.Kind, rec.Topic, rec.StartTime, rec.EndTime, rec.Rounds)
		fmt.Println(rec.ChatContent)
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all saved records",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		return a.hist.Clear()
	},
}

var keyCmd = &cobra.Command{
	Use:   "key <provider> <api-key>",
	Short: "Store a provider API key, encrypted with the passphrase",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.storeKey(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("stored key for %s\n", args[0])
		return nil
	},
}

// intFlag prefers an explicitly set flag, then the config value, then the
// flag default.
func intFlag(cmd *cobra.Command, a *app, name, cfgPath string) int {
	val, _ := cmd.Flags().GetInt(name)
	if !cmd.Flags().Changed(name) {
		return a.cfg.GetInt(cfgPath, val)
	}
	return val
}

func tempFlag(cmd *cobra.Command, a *app, cfgPath string) float32 {
	val, _ := cmd.Flags().GetFloat32("temperature")
	if !cmd.Flags().Changed("temperature") {
		return float32(a.cfg.GetFloat(cfgPath, float64(val)))
	}
	return val
}

func durFlag(cmd *cobra.Command) time.Duration {
	val, _ := cmd.Flags().GetDuration("time-limit")
	return val
}

func agentFlag(cmd *cobra.Command, n int, role dialogue.Role) dialogue.Agent {
	api, _ := cmd.Flags().GetString(fmt.Sprintf("api%d", n))
	model, _ := cmd.Flags().GetString(fmt.Sprintf("model%d", n))
	return dialogue.Agent{Role: role, Provider: api, Model: model}
}

func addAgentFlags(cmd *cobra.Command) {
	cmd.Flags().String("api1", llm.ProviderOllama, "provider of the first speaker")
	cmd.Flags().String("model1", "llama3", "model of the first speaker")
	cmd.Flags().String("api2", llm.ProviderOllama, "provider of the second speaker")
	cmd.Flags().String("model2", "llama3", "model of the second speaker")
	cmd.Flags().String("api3", llm.ProviderOllama, "provider of the closing agent")
	cmd.Flags().String("model3", "llama3", "model of the closing agent")
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("workers", 4)

	rootCmd.PersistentFlags().String("mode", "dev", `run mode, "prod" or "dev"`)
	rootCmd.PersistentFlags().String("data", "", "data directory (config.yaml, salt.txt, chat_histories.json)")
	rootCmd.PersistentFlags().String("passphrase", "", "passphrase protecting stored API keys")
	rootCmd.PersistentFlags().Int("workers", 4, "maximum concurrent background tasks")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address")

	for _, name := range []string{"mode", "data", "passphrase", "workers", "metrics-addr"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("colloquy")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	modelsCmd.Flags().Bool("refresh", false, "bypass the catalogue cache")

	chatCmd.Flags().String("provider", llm.ProviderOllama, "chat provider")
	chatCmd.Flags().String("model", "llama3", "chat model")
	chatCmd.Flags().Int("rounds", 10, "maximum user/assistant exchanges")

	for _, cmd := range []*cobra.Command{discussCmd, debateCmd} {
		addAgentFlags(cmd)
		cmd.Flags().Int("rounds", 2, "rounds of exchange per topic")
	}
	for _, cmd := range []*cobra.Command{chatCmd, discussCmd, debateCmd} {
		cmd.Flags().Float32("temperature", 0.7, "sampling temperature in [0, 2]")
		cmd.Flags().Duration("time-limit", 0, "overall dialogue budget, 0 for none")
	}

	historyCmd.Flags().Int("offset", 0, "first record to list")
	historyCmd.Flags().Int("limit", 20, "number of records to list")
	historyCmd.AddCommand(historyShowCmd, historyClearCmd)

	rootCmd.AddCommand(modelsCmd, chatCmd, discussCmd, debateCmd, historyCmd, keyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
