package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var statusAddr string

var (
	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))
)

type healthResponse struct {
	Status         string  `json:"status"`
	Version        string  `json:"version"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ActiveSessions int     `json:"active_sessions"`
	CircuitState   string  `json:"circuit_state"`
}

type metricsResponse struct {
	TotalRequests int64            `json:"total_requests"`
	TotalErrors   int64            `json:"total_errors"`
	TotalTokens   int64            `json:"total_tokens"`
	ErrorRate     float64          `json:"error_rate"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	MinLatencyMs  float64          `json:"min_latency_ms"`
	MaxLatencyMs  float64          `json:"max_latency_ms"`
	ErrorsByKind  map[string]int64 `json:"errors_by_kind"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect a running proxy instance",
	Long:  `Query the health and metrics endpoints of a running poemux server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}

		var health healthResponse
		if err := getJSON(client, statusAddr+"/healthz", &health); err != nil {
			return fmt.Errorf("fetch health: %w", err)
		}
		var snap metricsResponse
		if err := getJSON(client, statusAddr+"/metrics", &snap); err != nil {
			return fmt.Errorf("fetch metrics: %w", err)
		}

		statusStyle := okStyle
		if health.Status != "healthy" {
			statusStyle = warnStyle
		}

		fmt.Println(headerStyle.Render("poemux " + health.Version))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		row := func(label, value string) {
			fmt.Fprintf(w, "%s\t%s\n", labelStyle.Render(label), value)
		}
		row("Status", statusStyle.Render(health.Status))
		row("Uptime", valueStyle.Render((time.Duration(health.UptimeSeconds)*time.Second).String()))
		row("Circuit", valueStyle.Render(health.CircuitState))
		row("Active sessions", valueStyle.Render(fmt.Sprintf("%d", health.ActiveSessions)))
		row("Requests", valueStyle.Render(fmt.Sprintf("%d", snap.TotalRequests)))
		row("Errors", valueStyle.Render(fmt.Sprintf("%d (%.1f%%)", snap.TotalErrors, snap.ErrorRate*100)))
		row("Tokens", valueStyle.Render(fmt.Sprintf("%d", snap.TotalTokens)))
		row("Latency min/avg/max", valueStyle.Render(fmt.Sprintf("%.0fms / %.0fms / %.0fms", snap.MinLatencyMs, snap.AvgLatencyMs, snap.MaxLatencyMs)))
		if err := w.Flush(); err != nil {
			return err
		}

		if len(snap.ErrorsByKind) > 0 {
			fmt.Println(headerStyle.Render("Errors by kind"))
			ew := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for kind, count := range snap.ErrorsByKind {
				fmt.Fprintf(ew, "%s\t%d\n", labelStyle.Render(kind), count)
			}
			if err := ew.Flush(); err != nil {
				return err
			}
		}
		return nil
	},
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:8080", "Base URL of the running server")
	rootCmd.AddCommand(statusCmd)
}
