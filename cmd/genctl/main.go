// Command genctl is a command-line client for a gend server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gend/internal/client"
	"gend/pkg/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "genctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	root := &cobra.Command{
		Use:           "genctl",
		Short:         "Client for the gend generation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defServer := os.Getenv("GEND_URL")
	if defServer == "" {
		defServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&server, "server", defServer, "gend base URL (env GEND_URL)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall request timeout")

	withCtx := func(fn func(ctx context.Context, c *client.Client, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return fn(ctx, client.New(server), cmd.OutOrStdout())
		}
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		Args:  cobra.NoArgs,
		RunE: withCtx(func(ctx context.Context, c *client.Client, out io.Writer) error {
			h, err := c.Health(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "%s: %s\n", h.Status, h.Message)
			return err
		}),
	}

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List models the server can resolve",
		Args:  cobra.NoArgs,
		RunE: withCtx(func(ctx context.Context, c *client.Client, out io.Writer) error {
			models, err := c.Models(ctx)
			if err != nil {
				return err
			}
			for _, m := range models {
				if _, err := fmt.Fprintln(out, m.ID); err != nil {
					return err
				}
			}
			return nil
		}),
	}

	var (
		modelID   string
		maxTokens int
		asJSON    bool
	)
	generateCmd := &cobra.Command{
		Use:     "generate [prompt...]",
		Short:   "Generate text; reads the prompt from stdin when no args are given",
		Example: "  genctl generate --model demo/small-model \"Say hi\"\n  echo 'Say hi' | genctl generate -m demo/small-model",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				text = strings.TrimRight(string(b), "\n")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := client.New(server).Generate(ctx, types.GenerateRequest{ModelID: modelID, Prompt: text, MaxTokens: maxTokens})
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res, asJSON)
		},
	}
	generateCmd.Flags().StringVarP(&modelID, "model", "m", "", "Model id (required)")
	generateCmd.Flags().IntVarP(&maxTokens, "max-tokens", "n", 0, "Maximum new tokens (server default when 0)")
	generateCmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON result")
	_ = generateCmd.MarkFlagRequired("model")

	root.AddCommand(healthCmd, modelsCmd, generateCmd)
	return root
}

// printResult prints the generated text, or fails with the reported error.
func printResult(out io.Writer, res types.GenerateResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if res.Error == "" {
		if _, err := fmt.Fprintln(out, res.Response); err != nil {
			return err
		}
	}
	if res.Error != "" {
		return fmt.Errorf("%s: %s", res.ModelID, res.Error)
	}
	return nil
}
