package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func actingUser(cmd *cobra.Command) string {
	user, _ := cmd.Flags().GetString("user")
	return user
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Manage and use conversations",
}

var chatNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		title, _ := cmd.Flags().GetString("title")
		system, _ := cmd.Flags().GetString("system")

		client, err := newAPIClient(actingUser(cmd))
		if err != nil {
			return err
		}

		req := map[string]any{}
		if model != "" {
			req["model"] = model
		}
		if title != "" {
			req["title"] = title
		}
		if system != "" {
			req["system_prompt"] = system
		}

		resp, err := client.post(cmd.Context(), "/v1/conversations", req)
		if err != nil {
			return err
		}

		var conv struct {
			ID    string `json:"id"`
			Model string `json:"model"`
		}
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}

		printSuccess("Created conversation %s (model %s)", conv.ID, conv.Model)
		return nil
	},
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(actingUser(cmd))
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/conversations")
		if err != nil {
			return err
		}

		var convs []struct {
			ID         string `json:"id"`
			Model      string `json:"model"`
			Title      string `json:"title"`
			Processing bool   `json:"processing"`
			CreatedAt  string `json:"created_at"`
		}
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}

		if len(convs) == 0 {
			printStatus("Conversations", "none")
			return nil
		}
		for _, c := range convs {
			state := "idle"
			if c.Processing {
				state = "generating"
			}
			title := c.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("  %s  %-12s %-10s %s\n", c.ID, state, c.Model, title)
		}
		return nil
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show a conversation's recent turns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(actingUser(cmd))
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/conversations/"+args[0])
		if err != nil {
			return err
		}

		var out struct {
			Turns []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"turns"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		for _, t := range out.Turns {
			fmt.Printf("%s %s\n", colorize(colorBold, t.Role+":"), t.Content)
		}
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id>",
	Short: "Send a message and stream the reply",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		if message == "" {
			return fmt.Errorf("--message is required")
		}
		convID := args[0]

		client, err := newAPIClient(actingUser(cmd))
		if err != nil {
			return err
		}

		// Attach to the event stream before submitting so no chunk is missed.
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		events, err := client.stream(ctx, "/v1/conversations/"+convID+"/events")
		if err != nil {
			return err
		}
		defer events.Body.Close()
		if events.StatusCode >= 400 {
			return fmt.Errorf("server returned %d opening event stream", events.StatusCode)
		}

		resp, err := client.post(ctx, "/v1/conversations/"+convID+"/messages", map[string]any{
			"content": message,
		})
		if err != nil {
			return err
		}
		var accepted struct {
			Turn struct {
				ID string `json:"id"`
			} `json:"turn"`
		}
		if err := decodeJSON(resp, &accepted); err != nil {
			return err
		}

		return followGeneration(events.Body)
	},
}

// followGeneration prints streamed tokens until a terminal event arrives.
func followGeneration(body io.Reader) error {
	type event struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "token-chunk":
			fmt.Print(ev.Text)
		case "generation-completed":
			fmt.Println()
			return nil
		case "generation-failed":
			fmt.Println()
			printError("generation failed (%s)", ev.Reason)
			return fmt.Errorf("generation failed: %s", ev.Reason)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return fmt.Errorf("event stream closed before generation finished")
}

func init() {
	chatNewCmd.Flags().String("model", "", "model identifier (default from server config)")
	chatNewCmd.Flags().String("title", "", "conversation title")
	chatNewCmd.Flags().String("system", "", "system instruction")
	chatSendCmd.Flags().StringP("message", "m", "", "message text to send")

	chatCmd.AddCommand(chatNewCmd)
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatShowCmd)
	chatCmd.AddCommand(chatSendCmd)
}

// --- usage ---

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show your rate-limit standing",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(actingUser(cmd))
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/usage")
		if err != nil {
			return err
		}

		var standing map[string]struct {
			Used      int `json:"used"`
			Limit     int `json:"limit"`
			Remaining int `json:"remaining"`
		}
		if err := decodeJSON(resp, &standing); err != nil {
			return err
		}

		for _, window := range []string{"per_minute", "per_hour", "per_day"} {
			s, ok := standing[window]
			if !ok {
				continue
			}
			printStatus(window, "%d/%d used, %d remaining", s.Used, s.Limit, s.Remaining)
		}
		return nil
	},
}

// --- release ---

var releaseCmd = &cobra.Command{
	Use:   "release <conversation-id>",
	Short: "Force-release a conversation stuck in processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(actingUser(cmd))
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/conversations/"+args[0]+"/release", nil)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Released conversation %s", args[0])
		return nil
	},
}
