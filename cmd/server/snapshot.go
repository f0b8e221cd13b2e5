package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newSnapshotCmd(opts *options) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the running daemon's current session snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = "http://" + cfg.ListenAddr()
			}
			return fetchSnapshot(cmd.OutOrStdout(), baseURL, cfg.Server.AuthToken)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "Daemon base URL (default: from server.host and server.port)")
	return cmd
}

func fetchSnapshot(w io.Writer, baseURL, token string) error {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/snapshot", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /api/snapshot: %d %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(w)
	return err
}
