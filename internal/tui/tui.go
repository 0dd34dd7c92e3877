package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/pkg/errors"

	"consensus-mining/internal/models"
	"consensus-mining/internal/node"
)

// resultRows is how many resolved transactions the results pane lists.
const resultRows = 8

var (
	controllerStyle = lipgloss.NewStyle().Bold(true)
	openStyle       = lipgloss.NewStyle().Faint(true)
)

func padToWidth(s string, width int) string {
	current := runewidth.StringWidth(s)
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

// fit pads or truncates s to exactly width display cells.
func fit(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) > width {
		return runewidth.Truncate(s, width, "…")
	}
	return padToWidth(s, width)
}

func separatorLine(width int) string {
	if width < 2 {
		return strings.Repeat("─", width)
	}
	return "├" + strings.Repeat("─", width-2) + "┤"
}

func formatInfoLine(text string, width int) string {
	if width < 2 {
		return fit(text, width)
	}
	return "│" + fit(text, width-2) + "│"
}

// SnapshotMsg carries the latest state of one participant.
type SnapshotMsg struct {
	Snapshot node.Snapshot
}

// Model holds the dashboard state, one snapshot per participant.
type Model struct {
	nodes  map[models.Identity]node.Snapshot
	width  int
	height int
}

func NewModel() Model {
	return Model{nodes: make(map[models.Identity]node.Snapshot)}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case SnapshotMsg:
		m.nodes[msg.Snapshot.ID] = msg.Snapshot
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m Model) snapshots() []node.Snapshot {
	out := make([]node.Snapshot, 0, len(m.nodes))
	for _, s := range m.nodes {
		out = append(out, s)
	}
	node.SortSnapshots(out)
	return out
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	snaps := m.snapshots()
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(snaps),
		m.renderParticipants(snaps),
		m.renderResults(snaps),
	)
}

func (m Model) renderHeader(snaps []node.Snapshot) string {
	var (
		leader  models.Identity
		current models.TransactionID
		phases  = map[node.Phase]int{}
	)
	for _, s := range snaps {
		phases[s.Phase]++
		if s.Leader != "" {
			leader = s.Leader
		}
		if s.Current != "" {
			current = s.Current
		}
	}

	leaderStr := "electing"
	if leader != "" {
		leaderStr = leader.Short()
	}
	currentStr := "idle"
	if current != "" {
		currentStr = string(current)
	}

	lines := []string{
		fmt.Sprintf("participants: %d  discovery=%d election=%d operational=%d",
			len(snaps), phases[node.PhaseDiscovery], phases[node.PhaseElection], phases[node.PhaseOperational]),
		fmt.Sprintf("controller: %s  open transaction: %s", leaderStr, currentStr),
	}

	top := "┌" + strings.Repeat("─", max(m.width-2, 0)) + "┐"
	rows := make([]string, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, formatInfoLine(" "+l, m.width))
	}
	return top + "\n" + strings.Join(rows, "\n")
}

var participantColumns = []struct {
	title string
	width int
}{
	{"ID", 10},
	{"PHASE", 12},
	{"ROLE", 11},
	{"PEERS", 7},
	{"VOTES", 7},
	{"TX", 8},
	{"DIFF", 5},
	{"WINS", 6},
}

func (m Model) renderParticipants(snaps []node.Snapshot) string {
	inner := m.width - 2
	if inner <= 0 {
		return ""
	}

	row := func(cells []string) string {
		var b strings.Builder
		for i, c := range participantColumns {
			b.WriteString(fit(" "+cells[i], c.width))
		}
		return "│" + fit(b.String(), inner) + "│"
	}

	titles := make([]string, len(participantColumns))
	for i, c := range participantColumns {
		titles[i] = c.title
	}
	lines := []string{separatorLine(m.width), row(titles)}

	// header, results pane and borders take the rest of the screen
	avail := m.height - 6 - resultRows - 3
	for i, s := range snaps {
		if avail > 0 && i >= avail {
			lines = append(lines, formatInfoLine(fmt.Sprintf(" … %d more", len(snaps)-i), m.width))
			break
		}
		tx, diff := "-", "-"
		if s.Current != "" {
			tx = string(s.Current)
			for _, e := range s.Ledger {
				if e.TransactionID == s.Current && e.Difficulty > 0 {
					diff = fmt.Sprintf("%d", e.Difficulty)
				}
			}
		}
		line := row([]string{
			s.ID.Short(),
			s.Phase.String(),
			s.Role.String(),
			fmt.Sprintf("%d/%d", s.Peers, s.Target),
			fmt.Sprintf("%d/%d", s.Votes, s.Target),
			tx,
			diff,
			fmt.Sprintf("%d", s.Wins),
		})
		if s.Role == node.RoleController {
			line = controllerStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// renderResults lists the most recent transactions known to any participant.
func (m Model) renderResults(snaps []node.Snapshot) string {
	merged := make(map[models.TransactionID]models.LedgerEntry)
	for _, s := range snaps {
		for _, e := range s.Ledger {
			cur, ok := merged[e.TransactionID]
			if !ok || (cur.Status != models.TxResolved && e.Status == models.TxResolved) {
				merged[e.TransactionID] = e
			}
		}
	}
	entries := make([]models.LedgerEntry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TransactionID.Seq() > entries[j].TransactionID.Seq() })
	if len(entries) > resultRows {
		entries = entries[:resultRows]
	}

	lines := []string{separatorLine(m.width)}
	if len(entries) == 0 {
		lines = append(lines, formatInfoLine(" no transactions yet", m.width))
	}
	for _, e := range entries {
		if e.Status != models.TxResolved {
			lines = append(lines, openStyle.Render(formatInfoLine(
				fmt.Sprintf(" %-6s d=%-2d open", e.TransactionID, e.Difficulty), m.width)))
			continue
		}
		lines = append(lines, formatInfoLine(
			fmt.Sprintf(" %-6s d=%-2d winner=%s nonce=%d hash=%s", e.TransactionID, e.Difficulty, e.Winner.Short(), e.Nonce, e.Hash), m.width))
	}
	lines = append(lines,
		separatorLine(m.width),
		formatInfoLine(" Transaction, Difficulty, Winner, Nonce, Hash    q: quit", m.width),
		"└"+strings.Repeat("─", max(m.width-2, 0))+"┘",
	)
	return strings.Join(lines, "\n")
}

// Run shows the dashboard until the user quits, ctx is cancelled or updates
// is closed.
func Run(ctx context.Context, updates <-chan node.Snapshot) error {
	p := tea.NewProgram(NewModel(), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for s := range updates {
			p.Send(SnapshotMsg{Snapshot: s})
		}
		p.Quit()
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
