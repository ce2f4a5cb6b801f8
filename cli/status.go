package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alpkeskin/gotoon"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"folderd/fmdm"
	"folderd/ipc"
)

var (
	statusFollow bool
	statusJSON   bool
	statusTOON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and folder status",
	Long: `Show the daemon's current snapshot: every indexed folder with its
lifecycle state and progress, connected clients and daemon health.

With --follow the view stays open and updates live as the daemon pushes
new snapshots.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Keep the view open and update it live")
	statusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Output the snapshot as JSON")
	statusCmd.Flags().BoolVarP(&statusTOON, "toon", "t", false, "Output the snapshot in TOON format (token-efficient for AI agents)")
	statusCmd.MarkFlagsMutuallyExclusive("json", "toon", "follow")
	rootCmd.AddCommand(statusCmd)
}

var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true)
	statusDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusWorkStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func statusStyle(s fmdm.FolderStatus) lipgloss.Style {
	switch s {
	case fmdm.StatusWatching, fmdm.StatusActive, fmdm.StatusIndexed:
		return statusOKStyle
	case fmdm.StatusError:
		return statusErrStyle
	default:
		return statusWorkStyle
	}
}

// folderProgress picks the progress block that matches the folder's
// current phase.
func folderProgress(f fmdm.FolderConfig) *fmdm.Progress {
	switch f.Status {
	case fmdm.StatusDownloadingModel:
		return f.DownloadProgress
	case fmdm.StatusScanning:
		return f.ScanningProgress
	case fmdm.StatusReady, fmdm.StatusIndexing:
		return f.Progress
	default:
		return nil
	}
}

func renderProgressBar(p *fmdm.Progress, width int) string {
	if width < 4 {
		width = 4
	}
	filled := p.Percentage * width / 100
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("%s %3d%% (%d/%d)", bar, p.Percentage, p.Processed, p.Total)
}

func renderFolderLine(f fmdm.FolderConfig) string {
	line := fmt.Sprintf("%s  %s  %s",
		statusStyle(f.Status).Render(fmt.Sprintf("%-17s", f.Status)),
		f.Path,
		statusDimStyle.Render(f.Model))
	if p := folderProgress(f); p != nil && p.Total > 0 {
		line += "\n  " + statusDimStyle.Render(renderProgressBar(p, 20))
	}
	if f.Notification != nil {
		style := statusDimStyle
		if f.Notification.Type == fmdm.NotificationError {
			style = statusErrStyle
		}
		line += "\n  " + style.Render(f.Notification.Message)
	}
	return line
}

func renderSnapshot(snap fmdm.FMDM) string {
	var b strings.Builder
	uptime := time.Duration(snap.Daemon.UptimeSeconds) * time.Second
	b.WriteString(statusTitleStyle.Render("folderd") + statusDimStyle.Render(
		fmt.Sprintf("  pid %d  up %s  clients %d  v%d",
			snap.Daemon.PID, uptime, snap.Connections.Count, snap.Version)))
	b.WriteString("\n")

	if snap.ModelCheck != nil && snap.ModelCheck.Error != "" {
		b.WriteString(statusErrStyle.Render("model check: "+snap.ModelCheck.Error) + "\n")
	}

	if len(snap.Folders) == 0 {
		b.WriteString(statusDimStyle.Render("no folders indexed") + "\n")
		return b.String()
	}
	for _, f := range snap.Folders {
		b.WriteString(renderFolderLine(f) + "\n")
	}
	return b.String()
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	if statusFollow {
		return followStatus(client)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	snap, err := client.Status(ctx)
	if err != nil {
		return err
	}

	if statusJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(snap)
	}
	if statusTOON {
		output, err := gotoon.Encode(snap)
		if err != nil {
			return fmt.Errorf("failed to encode TOON: %w", err)
		}
		fmt.Println(output)
		return nil
	}

	fmt.Print(renderSnapshot(*snap))
	return nil
}

// followStatus runs the live view fed by the daemon's snapshot pushes.
func followStatus(client *ipc.Client) error {
	model := statusModel{snapshots: client.Snapshots()}
	p := tea.NewProgram(model)
	_, err := p.Run()
	return err
}

type snapshotMsg fmdm.FMDM
type snapshotsClosedMsg struct{}

func waitForSnapshot(ch <-chan fmdm.FMDM) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return snapshotsClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

type statusModel struct {
	snapshots <-chan fmdm.FMDM
	snapshot  fmdm.FMDM
	received  bool
	lost      bool
}

func (m statusModel) Init() tea.Cmd {
	return waitForSnapshot(m.snapshots)
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case snapshotMsg:
		m.snapshot = fmdm.FMDM(msg)
		m.received = true
		return m, waitForSnapshot(m.snapshots)
	case snapshotsClosedMsg:
		m.lost = true
		return m, tea.Quit
	}
	return m, nil
}

func (m statusModel) View() string {
	if m.lost {
		return statusErrStyle.Render("connection to daemon lost") + "\n"
	}
	if !m.received {
		return statusDimStyle.Render("waiting for daemon snapshot...") + "\n"
	}
	return renderSnapshot(m.snapshot) + statusDimStyle.Render("q to quit") + "\n"
}
