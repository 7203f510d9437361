package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/config"
	"github.com/kalambet/tankyu/internal/conversation"
)

var userFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "user id sent as X-User-ID (default: server default)")
}

// connect returns an API client for the running server.
func connect() (*apiClient, error) {
	c, err := newAPIClient()
	if err != nil {
		return nil, err
	}
	c.userID = userFlag
	return c, nil
}

// --- turn ---

var turnCmd = &cobra.Command{
	Use:   "turn <message>",
	Short: "Send one learner message and print the tutor's reply",
	Long: `Send one learner message and print the tutor's reply.

Examples:
  tankyu turn "研究テーマを決めたいです" --project p1
  tankyu turn "続きです" --conversation 01J...
  tankyu turn "候補はA、Bです" --mock --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := conversation.Request{Message: strings.Join(args, " ")}
		req.ConversationID, _ = cmd.Flags().GetString("conversation")
		req.ProjectID, _ = cmd.Flags().GetString("project")
		req.PageID, _ = cmd.Flags().GetString("page")
		req.MockMode, _ = cmd.Flags().GetBool("mock")
		req.HistoryLimit, _ = cmd.Flags().GetInt("history-limit")
		if noHistory, _ := cmd.Flags().GetBool("no-history"); noHistory {
			off := false
			req.IncludeHistory = &off
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := connect()
		if err != nil {
			return err
		}
		resp, err := sendTurn(cmd.Context(), client, req)
		if err != nil {
			return err
		}

		if asJSON {
			return printJSON(resp)
		}
		printTurn(resp)
		return nil
	},
}

func sendTurn(ctx context.Context, c *apiClient, req conversation.Request) (conversation.Response, error) {
	var resp conversation.Response
	r, err := c.post(ctx, "/v1/turns", req)
	if err != nil {
		return resp, err
	}
	err = decodeJSON(r, &resp)
	return resp, err
}

func init() {
	turnCmd.Flags().String("conversation", "", "conversation id to continue")
	turnCmd.Flags().String("project", "", "project id framing the turn")
	turnCmd.Flags().String("page", "", "page id grouping the conversation")
	turnCmd.Flags().Bool("mock", false, "use rules and templates only")
	turnCmd.Flags().Bool("no-history", false, "ignore earlier messages")
	turnCmd.Flags().Int("history-limit", 0, "number of earlier messages to load (max 200)")
	turnCmd.Flags().Bool("json", false, "print the raw response")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		showSummary, _ := cmd.Flags().GetBool("summary")

		client, err := connect()
		if err != nil {
			return err
		}

		id := url.PathEscape(args[0])
		if showSummary {
			var sum conversation.Summary
			resp, err := client.get(cmd.Context(), "/v1/conversations/"+id+"/summary")
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &sum); err != nil {
				return err
			}
			printStatus("Summary", "covers %d turns", sum.CoversUpToTurn)
			fmt.Println(sum.SummaryText)
			return nil
		}

		msgs, err := fetchHistory(cmd.Context(), client, args[0], limit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func fetchHistory(ctx context.Context, c *apiClient, conversationID string, limit int) ([]agent.Message, error) {
	path := fmt.Sprintf("/v1/conversations/%s/messages?limit=%d", url.PathEscape(conversationID), limit)
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var page struct {
		Messages []agent.Message `json:"messages"`
	}
	if err := decodeJSON(resp, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func init() {
	historyCmd.Flags().Int("limit", conversation.DefaultHistoryLimit, "maximum number of messages")
	historyCmd.Flags().Bool("summary", false, "show the rolling summary instead")
}

// --- project ---

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage inquiry projects",
}

var projectSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Create or update a project context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pc := agent.ProjectContext{ID: args[0]}
		pc.Theme, _ = cmd.Flags().GetString("theme")
		pc.Question, _ = cmd.Flags().GetString("question")
		pc.Hypothesis, _ = cmd.Flags().GetString("hypothesis")
		if pc.Theme == "" && pc.Question == "" && pc.Hypothesis == "" {
			return fmt.Errorf("one of --theme, --question, or --hypothesis is required")
		}

		client, err := connect()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/v1/projects/"+url.PathEscape(pc.ID), pc)
		if err != nil {
			return err
		}
		var saved agent.ProjectContext
		if err := decodeJSON(resp, &saved); err != nil {
			return err
		}

		printSuccess("Set project %s", saved.ID)
		return nil
	},
}

func init() {
	projectSetCmd.Flags().String("theme", "", "inquiry theme")
	projectSetCmd.Flags().String("question", "", "research question")
	projectSetCmd.Flags().String("hypothesis", "", "working hypothesis")
	projectCmd.AddCommand(projectSetCmd)
}

// --- metrics ---

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show dispatcher, embedding and job queue metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		if reopen, _ := cmd.Flags().GetBool("recover"); reopen {
			n, err := recoverPools(cmd.Context(), client)
			if err != nil {
				return err
			}
			fmt.Printf("re-opened %d LLM pool(s)\n", n)
		}
		resp, err := client.get(cmd.Context(), "/v1/metrics")
		if err != nil {
			return err
		}
		var m json.RawMessage
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}
		return printJSON(m)
	},
}

func recoverPools(ctx context.Context, c *apiClient) (int, error) {
	resp, err := c.post(ctx, "/v1/llm/recover", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Recovered int `json:"recovered"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return 0, err
	}
	return out.Recovered, nil
}

func init() {
	metricsCmd.Flags().Bool("recover", false, "re-open LLM pools marked unhealthy before printing")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "valid keys: %s\n", strings.Join(config.ValidKeys(), ", "))
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored value and fall back to the default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store an API key in the platform keychain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(config.NewKeychain(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s in the keychain", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configSetSecretCmd)
}
