package tui

import (
	"fmt"

	"github.com/rivo/tview"
)

// ServicesTab shows the API server and the MQTT, Valkey and Kafka
// publishers.
type ServicesTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	statusBar *tview.TextView
}

// NewServicesTab creates a new Services tab.
func NewServicesTab(app *App) *ServicesTab {
	t := &ServicesTab{app: app}
	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	setHeaders(t.table, "", "Kind", "Name", "Address", "Status", "Detail")
	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	frame := tview.NewFrame(t.table).SetBorders(1, 0, 0, 0, 1, 1)
	frame.SetBorder(true).SetTitle(" Services ")
	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(frame, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
	t.Refresh()
	return t
}

// Refresh rebuilds the table.
func (t *ServicesTab) Refresh() {
	for t.table.GetRowCount() > 1 {
		t.table.RemoveRow(t.table.GetRowCount() - 1)
	}
	running := 0
	services := t.app.services()
	for i, s := range services {
		row := i + 1
		indicator, status := StatusIndicatorDisconnected, "stopped"
		if t.app.ascii {
			indicator = asciiDisconnected
		}
		if s.Running {
			running++
			indicator, status = StatusIndicatorConnected, "running"
			if t.app.ascii {
				indicator = asciiConnected
			}
		}
		t.table.SetCell(row, 0, tview.NewTableCell(indicator))
		t.table.SetCell(row, 1, tview.NewTableCell(s.Kind))
		t.table.SetCell(row, 2, tview.NewTableCell(s.Name))
		t.table.SetCell(row, 3, tview.NewTableCell(s.Address))
		t.table.SetCell(row, 4, tview.NewTableCell(status))
		t.table.SetCell(row, 5, tview.NewTableCell(s.Detail).SetExpansion(1))
	}
	t.statusBar.SetText(fmt.Sprintf(" %d services, %d running", len(services), running))
}

// GetPrimitive returns the tab's root primitive.
func (t *ServicesTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the primitive that takes focus.
func (t *ServicesTab) GetFocusable() tview.Primitive { return t.table }
