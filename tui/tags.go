package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"eipscan/plcman"
)

// TagsTab shows the current values of one controller's tags.
type TagsTab struct {
	app       *App
	flex      *tview.Flex
	plcSelect *tview.DropDown
	table     *tview.Table
	statusBar *tview.TextView

	plc string
}

// NewTagsTab creates a new Tags tab.
func NewTagsTab(app *App) *TagsTab {
	t := &TagsTab{app: app}
	t.setupUI()
	t.Refresh()
	return t
}

func (t *TagsTab) setupUI() {
	t.plcSelect = tview.NewDropDown().SetLabel(" PLC: ")
	t.plcSelect.SetDoneFunc(func(tcell.Key) { t.app.app.SetFocus(t.table) })

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.table.SetInputCapture(t.handleKeys)
	setHeaders(t.table, "Tag", "Type", "Elements", "Value", "Writable", "Transfer", "Updated")

	bar := buttonBar(" [yellow]p[white]lc  [yellow]w[white]rite  [yellow]d[white]etails  [gray]|[white]  [yellow]?[white] help  [yellow]Shift+Tab[white] next tab ")
	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	tableFrame := tview.NewFrame(t.table).SetBorders(1, 0, 0, 0, 1, 1)
	tableFrame.SetBorder(true).SetTitle(" Tags ")

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(bar, 1, 0, false).
		AddItem(t.plcSelect, 1, 0, false).
		AddItem(tableFrame, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

func (t *TagsTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'p':
		t.app.app.SetFocus(t.plcSelect)
		return nil
	case 'w':
		t.showWriteDialog()
		return nil
	case 'd':
		t.showDetails()
		return nil
	}
	return event
}

// SetPLC selects the controller whose tags are shown.
func (t *TagsTab) SetPLC(name string) {
	t.plc = name
	t.Refresh()
}

func (t *TagsTab) selectedTag() *plcman.TagInfo {
	c := t.app.reg.Controller(t.plc)
	row, _ := t.table.GetSelection()
	if c == nil || row <= 0 || row >= t.table.GetRowCount() {
		return nil
	}
	return c.FindTag(t.table.GetCell(row, 0).Text)
}

func (t *TagsTab) refreshPLCs() {
	var names []string
	current := -1
	for i, c := range t.app.reg.Controllers() {
		names = append(names, c.Name())
		if c.Name() == t.plc {
			current = i
		}
	}
	if current < 0 && len(names) > 0 {
		t.plc, current = names[0], 0
	}
	t.plcSelect.SetOptions(names, func(text string, _ int) {
		if text != t.plc {
			t.plc = text
			t.refreshTags()
		}
	})
	if current >= 0 {
		t.plcSelect.SetCurrentOption(current)
	}
}

// Refresh rebuilds the controller list and the tag table.
func (t *TagsTab) Refresh() {
	t.refreshPLCs()
	t.refreshTags()
}

func (t *TagsTab) refreshTags() {
	for t.table.GetRowCount() > 1 {
		t.table.RemoveRow(t.table.GetRowCount() - 1)
	}
	c := t.app.reg.Controller(t.plc)
	if c == nil {
		t.statusBar.SetText(" No PLC")
		return
	}
	valid := 0
	values := c.Values()
	for i, tv := range values {
		row := i + 1
		value := plcman.FormatValue(tv)
		if tv.Valid {
			valid++
			// FormatValue leads with the type, shown in its own column.
			value = strings.TrimPrefix(value, tv.Type+" ")
		}
		color := ColorText
		if !tv.Valid {
			color = ColorDisabled
		}
		writable := ""
		if t.app.config.Writable(tv.PLC, tv.Tag) {
			writable = "yes"
		}
		if tv.Writing {
			writable = "writing"
		}
		updated := "-"
		if !tv.Updated.IsZero() {
			updated = tv.Updated.Format("15:04:05.000")
		}
		t.table.SetCell(row, 0, tview.NewTableCell(tv.Tag).SetTextColor(color))
		t.table.SetCell(row, 1, tview.NewTableCell(tv.Type).SetTextColor(color))
		t.table.SetCell(row, 2, tview.NewTableCell(strconv.Itoa(tv.Elements)).SetTextColor(color))
		t.table.SetCell(row, 3, tview.NewTableCell(value).SetTextColor(color).SetExpansion(1))
		t.table.SetCell(row, 4, tview.NewTableCell(writable).SetTextColor(ColorAccent))
		t.table.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%.1fms", tv.TransferTime)).SetTextColor(color))
		t.table.SetCell(row, 6, tview.NewTableCell(updated).SetTextColor(color))
	}
	t.statusBar.SetText(fmt.Sprintf(" %s: %d tags, %d valid", t.plc, len(values), valid))
}

func (t *TagsTab) showDetails() {
	tag := t.selectedTag()
	if tag == nil {
		return
	}
	tv := tag.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "PLC:       %s\n", tv.PLC)
	fmt.Fprintf(&b, "Tag:       %s\n", tv.Tag)
	fmt.Fprintf(&b, "Type:      %s\n", tv.Type)
	fmt.Fprintf(&b, "Elements:  %d\n", tv.Elements)
	fmt.Fprintf(&b, "Valid:     %v\n", tv.Valid)
	fmt.Fprintf(&b, "Value:     %s\n", plcman.FormatValue(tv))
	fmt.Fprintf(&b, "Transfer:  %.2fms\n", tv.TransferTime)
	if tv.Error != "" {
		fmt.Fprintf(&b, "Error:     %s\n", tv.Error)
	}
	if len(tv.Raw) > 0 {
		fmt.Fprintf(&b, "Raw:       % X\n", tv.Raw)
	}
	t.app.showText("Tag "+tv.Tag, b.String())
}

func (t *TagsTab) showWriteDialog() {
	tag := t.selectedTag()
	if tag == nil {
		return
	}
	tv := tag.Snapshot()
	if !t.app.config.Writable(tv.PLC, tv.Tag) {
		t.app.showError("Write", fmt.Sprintf("%s is not writable", tv.Tag))
		return
	}

	const pageName = "write"
	form := tview.NewForm()
	form.AddInputField("Value", "", 30, nil, nil)
	form.AddButton("Write", func() {
		text := form.GetFormItemByLabel("Value").(*tview.InputField).GetText()
		if err := t.writeText(tag, text); err != nil {
			t.app.closeModal(pageName)
			t.app.showError("Write failed", err.Error())
			return
		}
		t.app.closeModal(pageName)
		t.app.setStatus(fmt.Sprintf("Write to %s requested", tv.Tag))
	})
	form.AddButton("Cancel", func() { t.app.closeModal(pageName) })
	form.SetBorder(true).SetTitle(fmt.Sprintf(" Write %s (%s) ", tv.Tag, tv.Type))
	t.app.showFormModal(pageName, form, 50, 9)
}

// writeText requests a write of space separated values, starting at
// element 0.
func (t *TagsTab) writeText(tag *plcman.TagInfo, text string) error {
	fields := strings.Fields(text)
	switch len(fields) {
	case 0:
		return fmt.Errorf("no value")
	case 1:
		return tag.SetValue(fields[0])
	}
	values := make([]any, len(fields))
	for i, f := range fields {
		values[i] = f
	}
	return tag.SetValue(values)
}

// GetPrimitive returns the tab's root primitive.
func (t *TagsTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the primitive that takes focus.
func (t *TagsTab) GetFocusable() tview.Primitive { return t.table }
