package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swarmbridge/internal/adapter/bridge"
)

var (
	bridgeAddr string
	apiAddr    string
)

func main() {
	root := &cobra.Command{
		Use:   "swarmctl",
		Short: "Driver-side CLI for the swarm bridge",
		Long: `swarmctl talks to a running swarmd over the bridge mailbox.

send puts a goal or reply into the swarm's inbox (overwriting any
unconsumed one), fetch takes the latest swarm output, watch polls for
output continuously, and status reports daemon health.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&bridgeAddr, "bridge", "http://127.0.0.1:1234", "bridge base URL")
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:1233", "control API base URL")

	root.AddCommand(newSendCmd(), newFetchCmd(), newWatchCmd(), newStatusCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [message]",
		Short: "Submit a message to the swarm inbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := bridge.NewClient(bridgeAddr, 0)
			content := strings.Join(args, " ")
			if err := client.Submit(cmd.Context(), content); err != nil {
				return err
			}
			fmt.Println("queued for swarm")
			return nil
		},
	}
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Take the latest swarm output, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := bridge.NewClient(bridgeAddr, 0)
			msg, err := client.Fetch(cmd.Context())
			if err != nil {
				return err
			}
			if msg == nil {
				fmt.Println("(no output)")
				return nil
			}
			printMessage(msg.AuthorID, msg.Content)
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll for swarm output until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := bridge.NewClient(bridgeAddr, 0)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
					msg, err := client.Fetch(cmd.Context())
					if err != nil {
						fmt.Fprintf(os.Stderr, "fetch: %v\n", err)
						continue
					}
					if msg != nil {
						printMessage(msg.AuthorID, msg.Content)
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report bridge health and cycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := bridge.NewClient(bridgeAddr, 0)
			if client.Probe(cmd.Context()) {
				fmt.Println("bridge:  up")
			} else {
				fmt.Println("bridge:  down")
				return nil
			}

			status, err := fetchCycleStatus(apiAddr)
			if err != nil {
				fmt.Printf("gateway: unreachable (%v)\n", err)
				return nil
			}
			fmt.Printf("state:   %s\n", status.State)
			fmt.Printf("status:  %s\n", status.Status)
			fmt.Printf("round:   %d\n", status.Round)
			fmt.Printf("engine:  reachable=%v\n", status.EngineReachable)
			return nil
		},
	}
}

type cycleStatus struct {
	State           string `json:"state"`
	Status          string `json:"status"`
	Round           int    `json:"round"`
	Active          bool   `json:"active"`
	EngineReachable bool   `json:"engine_reachable"`
}

func fetchCycleStatus(base string) (cycleStatus, error) {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(strings.TrimRight(base, "/") + "/api/status")
	if err != nil {
		return cycleStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return cycleStatus{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out cycleStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return cycleStatus{}, err
	}
	return out, nil
}

func printMessage(author, content string) {
	if author == "" {
		author = "swarm"
	}
	fmt.Printf("[%s] %s\n", author, content)
}
