package presenter

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jgivc/bookfetch/internal/entity"
)

const (
	catalogPaneSize = 12
	maxErrorLines   = 5
	barWidth        = 30
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	categoryStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	enabledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// batchMsg is one scheduler snapshot delivered into the bubbletea loop.
type batchMsg []entity.ChangeRecord

type row struct {
	header bool
	name   string
	item   *entity.Item
}

// Model is the terminal presentation adapter. It maintains its own mirrored
// list of visible downloads, applied strictly positionally from change
// records; it never reads scheduler state directly.
type Model struct {
	rows    []row
	cursor  int
	enabled map[uint64]bool

	downloads []entity.Item
	errors    []string

	cmds        chan<- entity.Command
	outDir      string
	speedWindow time.Duration

	bar      progress.Model
	dirInput textinput.Model
	editing  bool
	quitting bool
	width    int
}

func NewModel(categories []*entity.Category, cmds chan<- entity.Command,
	outDir string, speedWindow time.Duration) Model {
	var rows []row
	for _, category := range categories {
		rows = append(rows, row{header: true, name: category.Name})
		for _, item := range category.Items {
			rows = append(rows, row{name: item.Name, item: item})
		}
	}

	input := textinput.New()
	input.Placeholder = outDir
	input.CharLimit = 256

	return Model{
		rows:        rows,
		cursor:      firstSelectable(rows, 0, 1),
		enabled:     make(map[uint64]bool),
		cmds:        cmds,
		outDir:      outDir,
		speedWindow: speedWindow,
		bar:         progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth)),
		dirInput:    input,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

		return m, nil

	case batchMsg:
		m.apply(msg)

		return m, nil

	case tea.KeyMsg:
		if m.editing {
			return m.updateDirInput(msg)
		}

		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			m.send(entity.StopCmd{})

			return m, tea.Quit
		case "up", "k":
			m.cursor = firstSelectable(m.rows, m.cursor-1, -1)
		case "down", "j":
			m.cursor = firstSelectable(m.rows, m.cursor+1, 1)
		case "enter", " ":
			m.toggle()
		case "o":
			m.editing = true
			m.dirInput.SetValue(m.outDir)
			m.dirInput.Focus()

			return m, textinput.Blink
		}
	}

	return m, nil
}

func (m Model) updateDirInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		if dir := strings.TrimSpace(m.dirInput.Value()); dir != "" && dir != m.outDir {
			m.outDir = dir
			m.send(entity.ChangeDirCmd{Dir: dir})
		}
		m.editing = false

		return m, nil
	case "esc":
		m.editing = false

		return m, nil
	}

	var cmd tea.Cmd
	m.dirInput, cmd = m.dirInput.Update(msg)

	return m, cmd
}

func (m *Model) toggle() {
	if m.cursor < 0 || m.cursor >= len(m.rows) || m.rows[m.cursor].header {
		return
	}

	item := m.rows[m.cursor].item
	if m.enabled[item.ID] {
		m.enabled[item.ID] = false
		m.send(entity.RemoveCmd{ID: item.ID})
	} else {
		m.enabled[item.ID] = true
		m.send(entity.AddCmd{ID: item.ID, OutDir: m.outDir})
	}
}

// apply folds one change-record batch into the mirrored download list. Index
// semantics match the scheduler's visible-id list: append on Added, shift on
// Removed.
func (m *Model) apply(batch []entity.ChangeRecord) {
	for _, record := range batch {
		switch r := record.(type) {
		case entity.Added:
			m.downloads = append(m.downloads, r.Item)
		case entity.Removed:
			if r.Index >= 0 && r.Index < len(m.downloads) {
				m.downloads = append(m.downloads[:r.Index], m.downloads[r.Index+1:]...)
			}
		case entity.Updated:
			if r.Index >= 0 && r.Index < len(m.downloads) {
				m.downloads[r.Index] = r.Item
			}
		case entity.FinishedAt:
			if r.Index >= 0 && r.Index < len(m.downloads) && m.downloads[r.Index].Transfer != nil {
				m.downloads[r.Index].Transfer.Finished = true
			}
		case entity.FatalError:
			m.errors = append(m.errors, r.Msg)
			if len(m.errors) > maxErrorLines {
				m.errors = m.errors[len(m.errors)-maxErrorLines:]
			}
		}
	}
}

func (m Model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("bookfetch"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  ->  %s", m.outDir)))
	b.WriteString("\n\n")

	m.viewCatalog(&b)
	m.viewDownloads(&b)

	if m.editing {
		b.WriteString("\nOutput directory: " + m.dirInput.View() + "\n")
	}

	for _, msg := range m.errors {
		b.WriteString(errorStyle.Render("! "+msg) + "\n")
	}

	b.WriteString(dimStyle.Render("\n[space] toggle  [o] output dir  [q] quit\n"))

	return b.String()
}

func (m Model) viewCatalog(b *strings.Builder) {
	start := m.cursor - catalogPaneSize/2
	if start < 0 {
		start = 0
	}
	end := start + catalogPaneSize
	if end > len(m.rows) {
		end = len(m.rows)
	}

	for i := start; i < end; i++ {
		r := m.rows[i]

		switch {
		case r.header:
			b.WriteString(categoryStyle.Render(r.name) + "\n")
		case i == m.cursor:
			b.WriteString(cursorStyle.Render("> "+r.name) + "\n")
		case m.enabled[r.item.ID]:
			b.WriteString(enabledStyle.Render("+ "+r.name) + "\n")
		default:
			b.WriteString("  " + r.name + "\n")
		}
	}
}

func (m Model) viewDownloads(b *strings.Builder) {
	if len(m.downloads) == 0 {
		return
	}

	b.WriteString("\n" + titleStyle.Render("Downloads") + "\n")
	for _, item := range m.downloads {
		t := item.Transfer
		if t == nil {
			b.WriteString(fmt.Sprintf("  %s  %s\n", item.Name, dimStyle.Render("queued")))

			continue
		}

		line := fmt.Sprintf("  %s %s  %s / %s  %s/s  %s",
			m.bar.ViewAs(t.Percentage()),
			item.Name,
			humanize.IBytes(uint64(t.BytesDone)),
			totalLabel(t.BytesTotal),
			humanize.IBytes(uint64(t.Speed(m.speedWindow))),
			t.ETA(m.speedWindow),
		)
		b.WriteString(line + "\n")
	}
}

func totalLabel(total int64) string {
	if total <= 0 {
		return "?"
	}

	return humanize.IBytes(uint64(total))
}

// firstSelectable moves from idx in the given direction to the nearest
// non-header row.
func firstSelectable(rows []row, idx, dir int) int {
	if len(rows) == 0 {
		return 0
	}

	for i := idx; i >= 0 && i < len(rows); i += dir {
		if !rows[i].header {
			return i
		}
	}

	// Ran off the end: search back the other way.
	for i := idx - dir; i >= 0 && i < len(rows); i -= dir {
		if !rows[i].header {
			return i
		}
	}

	return 0
}

func (m *Model) send(cmd entity.Command) {
	select {
	case m.cmds <- cmd:
	default:
	}
}

// Presenter wraps the bubbletea program and pumps scheduler snapshots into
// it.
type Presenter struct {
	prog    *tea.Program
	updates <-chan []entity.ChangeRecord
	log     *slog.Logger
}

func New(categories []*entity.Category, cmds chan<- entity.Command,
	updates <-chan []entity.ChangeRecord, outDir string, speedWindow time.Duration,
	log *slog.Logger) *Presenter {
	model := NewModel(categories, cmds, outDir, speedWindow)

	return &Presenter{
		prog:    tea.NewProgram(model, tea.WithAltScreen()),
		updates: updates,
		log:     log.With(slog.String("item", "Presenter")),
	}
}

// Run blocks until the user quits or Quit is called.
func (p *Presenter) Run() error {
	go func() {
		for batch := range p.updates {
			p.prog.Send(batchMsg(batch))
		}
	}()

	if _, err := p.prog.Run(); err != nil {
		return fmt.Errorf("cannot run terminal ui: %w", err)
	}

	return nil
}

// Quit asks the program to exit from outside the event loop.
func (p *Presenter) Quit() {
	p.prog.Quit()
}
