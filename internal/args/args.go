package args

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/markis/dify-relay/internal/config"
)

// ErrHelp is returned when only help output was requested.
var ErrHelp = errors.New("help requested")

// Mode selects what main runs.
type Mode int

const (
	ModeAsk Mode = iota
	ModeServe
)

// Arguments represents the command-line arguments structure.
type Arguments struct {
	Mode           Mode
	Prompts        []string
	Command        string
	Inputs         map[string]any
	ConversationID string
	User           string
	UsePlainText   bool
	Addr           string
}

// ParseArgs parses argv and stdin input, returning an Arguments struct.
// It uses Cobra to handle commands and flags, allowing for the serve
// command, predefined prompt commands and direct prompts.
func ParseArgs(ctx context.Context, cfg config.Config, argv []string) (Arguments, error) {
	args := Arguments{Addr: cfg.Server.Addr}
	ran := false

	rootCmd := &cobra.Command{
		Use:   "dify-relay [command] [flags] [prompt]",
		Short: "Stream answers from a Dify chat app to the terminal or over HTTP",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			ran = true
			// Handle direct prompts (when no command is specified)
			if len(cmdArgs) > 0 {
				args.Prompts = append(args.Prompts, cmdArgs[0])
			}
			return nil
		},
		SilenceErrors: true, // We'll handle error reporting
		SilenceUsage:  true, // We'll handle usage display
	}
	rootCmd.SetArgs(argv)

	// Global flags
	rootCmd.PersistentFlags().BoolVar(&args.UsePlainText, "plain", shouldUsePlainText(cfg), "Disable markdown rendering")
	rootCmd.PersistentFlags().StringVar(&args.ConversationID, "conversation", "", "Continue an existing conversation")
	rootCmd.PersistentFlags().StringVar(&args.User, "user", cfg.Dify.User, "User identifier sent upstream")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			ran = true
			args.Mode = ModeServe
			args.Command = "serve"
			return nil
		},
	}
	serveCmd.Flags().StringVar(&args.Addr, "addr", cfg.Server.Addr, "Address to listen on")
	rootCmd.AddCommand(serveCmd)

	// Add predefined commands
	names := make([]string, 0, len(cfg.Prompts))
	for name := range cfg.Prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "serve" {
			continue
		}
		cmdPrompt := cfg.Prompts[name]
		cmd := &cobra.Command{
			Use:   name + " [input]",
			Short: summarizePrompt(cmdPrompt.Prompt),
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, cmdArgs []string) error {
				ran = true
				args.Command = name
				if len(cmdArgs) > 0 {
					args.Prompts = append(args.Prompts, cmdArgs[0])
				}
				args.Prompts = append(args.Prompts, cmdPrompt.Prompt)
				if len(cmdPrompt.Inputs) > 0 {
					args.Inputs = make(map[string]any, len(cmdPrompt.Inputs))
					for k, v := range cmdPrompt.Inputs {
						args.Inputs[k] = v
					}
				}
				return nil
			},
		}
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return Arguments{}, err
	}
	if !ran {
		return Arguments{}, ErrHelp
	}
	if args.Mode == ModeServe {
		return args, nil
	}

	// Read from stdin if available
	if stat, err := os.Stdin.Stat(); err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		prompt, err := readPrompt(os.Stdin)
		if err != nil {
			return Arguments{}, err
		}
		if prompt != "" {
			args.Prompts = append(args.Prompts, prompt)
		}
	}

	// Check if we have any prompts
	if len(args.Prompts) == 0 {
		return Arguments{}, errors.New("no prompt provided")
	}

	return args, nil
}

// Query joins the collected prompts into the text sent upstream.
func (a Arguments) Query() string {
	return strings.Join(a.Prompts, "\n\n")
}

func readPrompt(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max buffer
	var buf strings.Builder
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// shouldUsePlainText determines if plain text output should be used based on environment and terminal settings.
func shouldUsePlainText(cfg config.Config) bool {
	// Check if the rendering format is set to plain
	if cfg.Render.Format == "plain" {
		return true
	}

	// Check if output is being redirected
	if fileInfo, _ := os.Stdout.Stat(); fileInfo != nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			return true
		}
	}

	// Check for NO_COLOR environment variable
	if _, exists := os.LookupEnv("NO_COLOR"); exists {
		return true
	}

	// Check for TERM=dumb
	if term := os.Getenv("TERM"); term == "dumb" {
		return true
	}

	return false
}

func summarizePrompt(prompt string) string {
	// Trim and limit the length of the prompt summary
	summary := strings.TrimSpace(prompt)
	if len(summary) > 60 {
		summary = summary[:57] + "..."
	}
	return summary
}
