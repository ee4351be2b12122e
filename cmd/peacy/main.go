package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/peacy/internal/config"
	"github.com/stellarlinkco/peacy/internal/gateway"
	"github.com/stellarlinkco/peacy/internal/logging"
	"github.com/stellarlinkco/peacy/internal/store"
)

const errNoAPIKey = "API key not set. Run 'peacy onboard' or set PEACY_API_KEY / GROQ_API_KEY"

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	Replier gateway.Replier
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "peacy",
	Short: "peacy - a group chat companion that remembers",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the bot (channels + dispatcher + background jobs)",
	RunE:  runGateway,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant from the terminal, single message or REPL",
	RunE:  runChat,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write the default config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, stored state and job runs",
	RunE:  runStatus,
}

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Run one profile learning pass now",
	RunE:  runLearn,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert the persona document into an empty semantic memory",
	RunE:  runSeed,
}

var resetCmd = &cobra.Command{
	Use:       "reset [messages|users|summaries|memory|all]",
	Short:     "Drop and recreate stored state",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{gateway.ResetMessages, gateway.ResetUsers, gateway.ResetSummaries, gateway.ResetMemory, gateway.ResetAll},
	RunE:      runReset,
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect or edit user profiles",
}

var profileGetCmd = &cobra.Command{
	Use:   "get <user-id>",
	Short: "Print a user's profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileGet,
}

var profileSetCmd = &cobra.Command{
	Use:   "set <user-id>",
	Short: "Set manual profile fields; learning never overrides them",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileSet,
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Remove a user's profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileDelete,
}

var (
	messageFlag  string
	chatUserFlag string
	chatIDFlag   string
	nameFlag     string
	locationFlag string
	infoFlag     string
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVar(&chatUserFlag, "user", "cli-user", "User ID to speak as")
	chatCmd.Flags().StringVar(&chatIDFlag, "chat", "cli", "Chat ID to speak in")
	profileSetCmd.Flags().StringVar(&nameFlag, "name", "", "Display name")
	profileSetCmd.Flags().StringVar(&locationFlag, "location", "", "Location")
	profileSetCmd.Flags().StringVar(&infoFlag, "info", "", "Free-form profile info")
	profileCmd.AddCommand(profileGetCmd, profileSetCmd, profileDeleteCmd)
	rootCmd.AddCommand(gatewayCmd, chatCmd, onboardCmd, statusCmd, learnCmd, seedCmd, resetCmd, profileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *log.Logger {
	return logging.New(cfg.Log, os.Stderr)
}

// withGateway loads config, builds the gateway for one command and shuts it
// down afterwards.
func withGateway(fn func(ctx context.Context, gw *gateway.Gateway) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: newLogger(cfg)})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()
	return fn(context.Background(), gw)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return errors.New(errNoAPIKey)
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: newLogger(cfg)})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

// runChat is the command handler that uses default options
func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs the chat with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.Replier == nil && cfg.Provider.APIKey == "" {
		return errors.New(errNoAPIKey)
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: newLogger(cfg), Replier: opts.Replier})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()
	if _, err := gw.Seed(ctx); err != nil {
		fmt.Fprintf(stderr, "Seed warning: %v\n", err)
	}

	// Single message mode
	if messageFlag != "" {
		reply, err := gw.Chat(ctx, chatIDFlag, chatUserFlag, messageFlag)
		if err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	// REPL mode
	fmt.Fprintf(stdout, "%s chat (type 'exit' to quit)\n", cfg.Assistant.Name)
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := gw.Chat(ctx, chatIDFlag, chatUserFlag, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, reply)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and Telegram token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set GROQ_API_KEY and TELEGRAM_TOKEN (a .env file works too)")
	fmt.Fprintln(out, "  3. Run 'peacy chat -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Assistant: %s (wake words: %d)\n", cfg.Assistant.Name, len(cfg.Assistant.WakeWords))
	fmt.Fprintf(out, "Model: %s @ %s\n", cfg.Provider.Model, cfg.Provider.BaseURL)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Store: %s\n", cfg.Store.Driver)
	fmt.Fprintf(out, "Memory: %s (%s, embeddings=%s)\n", cfg.Memory.Backend, cfg.Memory.Path, cfg.Embedding.Provider)

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: logging.Discard()})
	if err != nil {
		fmt.Fprintf(out, "State: unavailable (%v)\n", err)
		return nil
	}
	defer gw.Shutdown()

	st, err := gw.Status(context.Background())
	if err != nil {
		fmt.Fprintf(out, "State: unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Messages: %d\nUsers: %d\nSummaries: %d\nMemories: %d\n",
		st.Store.Messages, st.Store.Users, st.Store.Summaries, st.Memories)
	if len(st.Jobs) == 0 {
		fmt.Fprintln(out, "Jobs: none (start the gateway to schedule them)")
	}
	for _, job := range st.Jobs {
		last := job.State.LastStatus
		if last == "" {
			last = "never run"
		}
		fmt.Fprintf(out, "Job %s: every %s enabled=%v runs=%d last=%s %s\n",
			job.Name, job.Schedule.Every, job.Enabled, job.State.Runs, last, job.State.LastResult)
	}
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func runLearn(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, gw *gateway.Gateway) error {
		res, err := gw.Learn(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Learned from %d messages by %d authors: %d updated, %d unchanged, %d failed\n",
			res.Messages, res.Authors, res.Updated, res.Unchanged, res.Failed)
		return nil
	})
}

func runSeed(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, gw *gateway.Gateway) error {
		seeded, err := gw.Seed(ctx)
		if err != nil {
			return err
		}
		if seeded {
			fmt.Fprintln(cmd.OutOrStdout(), "Seeded persona memory")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Seed already present")
		}
		return nil
	})
}

func runReset(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, gw *gateway.Gateway) error {
		if err := gw.Reset(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", args[0])
		return nil
	})
}

func runProfileGet(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, gw *gateway.Gateway) error {
		p, err := gw.Store().GetProfile(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no profile for %s", args[0])
		}
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "User: %s\n", p.UserID)
		fmt.Fprintf(out, "Username: %s\n", p.Username)
		fmt.Fprintf(out, "Name: %s%s\n", p.DisplayName, sourceNote(p.DisplayNameSource))
		fmt.Fprintf(out, "Location: %s%s\n", p.Location, sourceNote(p.LocationSource))
		fmt.Fprintf(out, "Info: %s\n", p.ProfileInfo)
		fmt.Fprintf(out, "Mood: %s\n", p.EmotionalState)
		return nil
	})
}

func sourceNote(s store.Source) string {
	if s == store.SourceNone {
		return ""
	}
	return " (" + string(s) + ")"
}

func runProfileSet(cmd *cobra.Command, args []string) error {
	upd := store.ProfileUpdate{UserID: args[0], Source: store.SourceManual}
	if cmd.Flags().Changed("name") {
		upd.DisplayName = store.Str(nameFlag)
	}
	if cmd.Flags().Changed("location") {
		upd.Location = store.Str(locationFlag)
	}
	if cmd.Flags().Changed("info") {
		upd.ProfileInfo = store.Str(infoFlag)
	}
	if upd.DisplayName == nil && upd.Location == nil && upd.ProfileInfo == nil {
		return errors.New("nothing to set: pass --name, --location or --info")
	}
	return withGateway(func(ctx context.Context, gw *gateway.Gateway) error {
		if err := gw.Store().UpdateProfile(ctx, upd); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated profile %s\n", args[0])
		return nil
	})
}

func runProfileDelete(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, gw *gateway.Gateway) error {
		deleted, err := gw.Store().DeleteUser(ctx, args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("no profile for %s", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %s\n", args[0])
		return nil
	})
}
