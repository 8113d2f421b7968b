package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"botcore/pkg/config"
	"botcore/pkg/gateway"
	"botcore/pkg/message"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <platform> <group|direct|channel|sub_channel> <target> <text...>",
	Short: "Send a proactive message through a running gateway",
	Args:  cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		req := gateway.SendRequest{
			PlatformID: args[0],
			TargetType: message.Scope(args[1]),
			TargetID:   args[2],
			Text:       strings.Join(args[3:], " "),
		}
		if _, err := req.Envelope(); err != nil {
			return err
		}

		client := &http.Client{Timeout: 10 * time.Second}
		if err := postSend(cmd.Context(), client, gatewayURL(cfg), cfg.Gateway.AccessToken, req); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "queued for %s %s %s\n", req.PlatformID, req.TargetType, req.TargetID)
		return err
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

// gatewayURL is the base URL a local client reaches the configured gateway on.
func gatewayURL(cfg *config.Config) string {
	host := strings.TrimSpace(cfg.Gateway.Host)
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	port := cfg.Gateway.Port
	if port <= 0 {
		port = 8080
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func postSend(ctx context.Context, client *http.Client, baseURL string, token string, req gateway.SendRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("reach gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway rejected send (%d): %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
