package tui

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"eipscan/plcman"
)

// PLCsTab lists the controllers and the scanlists of the selected one.
type PLCsTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	lists     *tview.Table
	statusBar *tview.TextView
}

// NewPLCsTab creates a new PLCs tab.
func NewPLCsTab(app *App) *PLCsTab {
	t := &PLCsTab{app: app}
	t.setupUI()
	t.Refresh()
	return t
}

func (t *PLCsTab) setupUI() {
	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.table.SetSelectedFunc(t.onSelect)
	t.table.SetSelectionChangedFunc(func(int, int) { t.refreshLists() })
	t.table.SetInputCapture(t.handleKeys)
	setHeaders(t.table, "", "Name", "Address", "Slot", "Status", "Product", "Errors", "Last error")

	t.lists = tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)
	setHeaders(t.lists, "Period", "Tags", "Enabled", "Last", "Min", "Max", "Errors", "Sched", "Next")

	bar := buttonBar(" [yellow]Enter[white] tags  [yellow]i[white]nfo  reset stats [yellow]x[white]  [yellow]R[white]estart  [gray]|[white]  [yellow]?[white] help  [yellow]Shift+Tab[white] next tab ")
	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	tableFrame := tview.NewFrame(t.table).SetBorders(1, 0, 0, 0, 1, 1)
	tableFrame.SetBorder(true).SetTitle(" PLCs ")
	listFrame := tview.NewFrame(t.lists).SetBorders(1, 0, 0, 0, 1, 1)
	listFrame.SetBorder(true).SetTitle(" Scanlists ")

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(bar, 1, 0, false).
		AddItem(tableFrame, 0, 1, true).
		AddItem(listFrame, 0, 1, false).
		AddItem(t.statusBar, 1, 0, false)
}

func (t *PLCsTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'i':
		t.showInfo()
		return nil
	case 'x':
		t.app.reg.ResetStatistics()
		t.app.setStatus("Statistics reset")
		t.Refresh()
		return nil
	case 'R':
		t.app.showConfirm("Restart", "Disconnect and restart all controllers?", func() {
			n := t.app.reg.Restart()
			t.app.setStatus(fmt.Sprintf("Restarted, %d scanners started", n))
		})
		return nil
	}
	return event
}

// selectedPLC returns the name in the selected row.
func (t *PLCsTab) selectedPLC() string {
	row, _ := t.table.GetSelection()
	if row <= 0 || row >= t.table.GetRowCount() {
		return ""
	}
	return t.table.GetCell(row, 1).Text
}

func (t *PLCsTab) onSelect(row, _ int) {
	if name := t.selectedPLC(); name != "" {
		t.app.showTags(name)
	}
}

func (t *PLCsTab) showInfo() {
	c := t.app.reg.Controller(t.selectedPLC())
	if c == nil {
		return
	}
	var buf bytes.Buffer
	plcman.ReportStatus(&buf, c.Status(), 2)
	t.app.showText("PLC "+c.Name(), buf.String())
}

func (t *PLCsTab) indicator(st plcman.ControllerStatus) string {
	connected, disconnected, connecting, failed := StatusIndicatorConnected, StatusIndicatorDisconnected, StatusIndicatorConnecting, StatusIndicatorError
	if t.app.ascii {
		connected, disconnected, connecting, failed = asciiConnected, asciiDisconnected, asciiConnecting, asciiError
	}
	switch st.State {
	case plcman.StatePolling.String():
		return connected
	case plcman.StateConnecting.String():
		return connecting
	case plcman.StateBackingOff.String():
		return failed
	default:
		return disconnected
	}
}

// Refresh rebuilds the tables from a registry snapshot.
func (t *PLCsTab) Refresh() {
	selected := t.selectedPLC()
	for t.table.GetRowCount() > 1 {
		t.table.RemoveRow(t.table.GetRowCount() - 1)
	}

	all := t.app.reg.Status()
	polling := 0
	for i, st := range all {
		row := i + 1
		color := ColorText
		switch st.State {
		case plcman.StatePolling.String():
			polling++
		case plcman.StateBackingOff.String():
			color = ColorError
		case plcman.StateDisconnected.String():
			color = ColorDisabled
		}
		t.table.SetCell(row, 0, tview.NewTableCell(t.indicator(st)))
		t.table.SetCell(row, 1, tview.NewTableCell(st.Name).SetTextColor(color))
		t.table.SetCell(row, 2, tview.NewTableCell(st.Address).SetTextColor(color))
		t.table.SetCell(row, 3, tview.NewTableCell(strconv.Itoa(int(st.Slot))).SetTextColor(color))
		t.table.SetCell(row, 4, tview.NewTableCell(st.State).SetTextColor(color))
		t.table.SetCell(row, 5, tview.NewTableCell(st.Identity.ProductName).SetTextColor(color))
		t.table.SetCell(row, 6, tview.NewTableCell(strconv.Itoa(st.Errors)).SetTextColor(color))
		t.table.SetCell(row, 7, tview.NewTableCell(st.LastError).SetTextColor(ColorError).SetExpansion(1))
		if st.Name == selected {
			t.table.Select(row, 0)
		}
	}
	if selected == "" && len(all) > 0 {
		t.table.Select(1, 0)
	}
	t.statusBar.SetText(fmt.Sprintf(" %d PLCs, %d polling", len(all), polling))
	t.refreshLists()
}

func (t *PLCsTab) refreshLists() {
	for t.lists.GetRowCount() > 1 {
		t.lists.RemoveRow(t.lists.GetRowCount() - 1)
	}
	c := t.app.reg.Controller(t.selectedPLC())
	if c == nil {
		return
	}
	for i, l := range c.Status().ScanLists {
		row := i + 1
		enabled := "yes"
		if !l.Enabled {
			enabled = "no"
		}
		next := "-"
		if !l.Scheduled.IsZero() {
			next = l.Scheduled.Format("15:04:05.000")
		}
		t.lists.SetCell(row, 0, tview.NewTableCell(l.Period.String()))
		t.lists.SetCell(row, 1, tview.NewTableCell(strconv.Itoa(len(l.Tags))))
		t.lists.SetCell(row, 2, tview.NewTableCell(enabled))
		t.lists.SetCell(row, 3, tview.NewTableCell(ms(l.LastScan)))
		t.lists.SetCell(row, 4, tview.NewTableCell(ms(l.MinScan)))
		t.lists.SetCell(row, 5, tview.NewTableCell(ms(l.MaxScan)))
		t.lists.SetCell(row, 6, tview.NewTableCell(strconv.Itoa(l.Errors)))
		t.lists.SetCell(row, 7, tview.NewTableCell(strconv.Itoa(l.SchedErrors)))
		t.lists.SetCell(row, 8, tview.NewTableCell(next))
	}
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}

// GetPrimitive returns the tab's root primitive.
func (t *PLCsTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the primitive that takes focus.
func (t *PLCsTab) GetFocusable() tview.Primitive { return t.table }
