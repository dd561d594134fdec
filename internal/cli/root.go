// Package cli implements the barista command: the capture agent's local API
// server plus one-shot maintenance commands over the draft database.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"brewlog/internal/config"

	"github.com/spf13/cobra"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags and the config source shared by subcommands.
type RootOptions struct {
	Format   string
	DataPath string

	// LoadConfig defaults to config.LoadAgent. Tests replace it.
	LoadConfig func() (*config.AgentConfig, error)
}

// NewRootCommand creates the barista command tree.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	if opts == nil {
		opts = &RootOptions{}
	}
	if opts.LoadConfig == nil {
		opts.LoadConfig = config.LoadAgent
	}

	cmd := &cobra.Command{
		Use:   "barista",
		Short: "Brewlog capture agent",
		Long: `barista records brews on the bar and keeps them as local drafts until
the Brewlog server has accepted them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DataPath, "data", "", "draft database path (overrides AGENT_DATA_PATH)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newDraftsCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newRecoverCommand(opts))

	return cmd
}

// open loads the config, applies flag overrides and wires the agent.
func (o *RootOptions) open() (*Agent, error) {
	cfg, err := o.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.DataPath != "" {
		cfg.DataPath = o.DataPath
	}

	logger := config.NewLogger(cfg.Log)
	for _, w := range cfg.Warnings {
		logger.Warn("config override ignored", "detail", w)
	}
	return OpenAgent(cfg, logger)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
