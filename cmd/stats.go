package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
)

type nodeStats struct {
	ActiveUserCells int   `json:"active_user_cells"`
	PushQueueDepth  int64 `json:"push_queue_depth"`
}

// statsCmd attaches to a running node's admin endpoint and renders a live
// terminal dashboard of its delivery state.
func statsCmd() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Render a live dashboard from a node's admin endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Admin endpoint base URL",
				Value: "http://127.0.0.1:8081",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Poll interval",
				Value: time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			return runStatsDashboard(c.String("addr"), c.Duration("interval"))
		},
	}
}

func fetchStats(client *http.Client, addr string) (*nodeStats, error) {
	resp, err := client.Get(addr + "/v1/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats endpoint returned %s", resp.Status)
	}
	var s nodeStats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func runStatsDashboard(addr string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("init terminal ui: %w", err)
	}
	defer ui.Close()

	summary := widgets.NewParagraph()
	summary.Title = " " + ServiceName + " "
	summary.Text = "connecting to " + addr + " ..."
	summary.SetRect(0, 0, 60, 5)

	depthLine := widgets.NewSparkline()
	depthLine.Data = []float64{0}
	depthGroup := widgets.NewSparklineGroup(depthLine)
	depthGroup.Title = " push queue depth "
	depthGroup.SetRect(0, 5, 60, 12)

	client := &http.Client{Timeout: 2 * time.Second}
	const historyLen = 58

	render := func() { ui.Render(summary, depthGroup) }
	render()

	events := ui.PollEvents()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			s, err := fetchStats(client, addr)
			if err != nil {
				summary.Text = fmt.Sprintf("poll failed: %v", err)
				render()
				continue
			}
			summary.Text = fmt.Sprintf(
				"active user cells:  %d\npush queue depth:   %d\npolled:             %s",
				s.ActiveUserCells, s.PushQueueDepth, time.Now().Format(time.TimeOnly),
			)
			depthLine.Data = append(depthLine.Data, float64(s.PushQueueDepth))
			if len(depthLine.Data) > historyLen {
				depthLine.Data = depthLine.Data[len(depthLine.Data)-historyLen:]
			}
			render()
		}
	}
}
