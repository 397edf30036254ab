package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const debugMaxLines = 1000

// DebugTab displays the protocol debug log and the operational log. It is
// an io.Writer; each line written becomes one row.
type DebugTab struct {
	app       *App
	flex      *tview.Flex
	logView   *tview.TextView
	statusBar *tview.TextView
	store     *lineStore
	shown     int
}

// NewDebugTab creates a new debug tab.
func NewDebugTab(app *App) *DebugTab {
	t := &DebugTab{
		app:   app,
		store: newLineStore(debugMaxLines),
	}
	t.setupUI()
	return t
}

func (t *DebugTab) setupUI() {
	bar := buttonBar(" [yellow]c[white]lear  [yellow]g[white] top  [yellow]G[white] bottom  [gray]|[white]  [yellow]?[white] help  [yellow]Shift+Tab[white] next tab ")

	t.logView = tview.NewTextView().
		SetScrollable(true).
		SetTextColor(ColorText)
	t.logView.SetBorder(true).SetTitle(" Debug Log ")
	t.logView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'c':
			t.Clear()
			return nil
		case 'G':
			t.logView.ScrollToEnd()
			return nil
		case 'g':
			t.logView.ScrollToBeginning()
			return nil
		}
		return event
	})

	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(bar, 1, 0, false).
		AddItem(t.logView, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

// Write stores log output. It is safe to call from any goroutine; the view
// catches up on the next refresh.
func (t *DebugTab) Write(p []byte) (int, error) {
	return t.store.Write(p)
}

// Sync satisfies zapcore.WriteSyncer.
func (t *DebugTab) Sync() error { return nil }

// Clear clears the debug log.
func (t *DebugTab) Clear() {
	t.store.Clear()
	t.logView.SetText("")
	t.shown = 0
	t.Refresh()
}

// Refresh updates the view. Must be called on the UI goroutine.
func (t *DebugTab) Refresh() {
	lines := t.store.Lines()
	if len(lines) != t.shown || t.store.Dropped() > 0 {
		t.logView.SetText(strings.Join(lines, "\n"))
		t.logView.ScrollToEnd()
		t.shown = len(lines)
	}
	t.statusBar.SetText(fmt.Sprintf(" %d log lines (max %d)", len(lines), debugMaxLines))
}

// GetPrimitive returns the main primitive for this tab.
func (t *DebugTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the element that should receive focus.
func (t *DebugTab) GetFocusable() tview.Primitive { return t.logView }
