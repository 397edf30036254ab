// Package tui provides the terminal monitor for eipscan.
package tui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Color scheme
var (
	ColorHeader     = tcell.ColorYellow
	ColorAccent     = tcell.ColorYellow
	ColorError      = tcell.ColorRed
	ColorDisabled   = tcell.ColorGray
	ColorConnected  = tcell.ColorGreen
	ColorDisconnect = tcell.ColorGray
	ColorText       = tcell.ColorWhite
)

// Status indicator strings
const (
	StatusIndicatorConnected    = "[green]●[-]"
	StatusIndicatorDisconnected = "[gray]○[-]"
	StatusIndicatorConnecting   = "[yellow]◐[-]"
	StatusIndicatorError        = "[red]●[-]"
)

// ASCII fallbacks for terminals without Unicode.
const (
	asciiConnected    = "[green]*[-]"
	asciiDisconnected = "[gray]o[-]"
	asciiConnecting   = "[yellow]~[-]"
	asciiError        = "[red]![-]"
)

// Tab labels
const (
	TabPLCs     = "PLCs"
	TabTags     = "Tags"
	TabServices = "Services"
	TabDebug    = "Debug"
)

// useASCII switches borders and indicators to plain ASCII.
func useASCII() {
	tview.Borders.Horizontal = '-'
	tview.Borders.Vertical = '|'
	tview.Borders.TopLeft = '+'
	tview.Borders.TopRight = '+'
	tview.Borders.BottomLeft = '+'
	tview.Borders.BottomRight = '+'
	tview.Borders.HorizontalFocus = '='
	tview.Borders.VerticalFocus = '|'
	tview.Borders.TopLeftFocus = '+'
	tview.Borders.TopRightFocus = '+'
	tview.Borders.BottomLeftFocus = '+'
	tview.Borders.BottomRightFocus = '+'
}

// headerCell returns a non-selectable bold header cell.
func headerCell(text string) *tview.TableCell {
	return tview.NewTableCell(text).
		SetTextColor(ColorHeader).
		SetSelectable(false).
		SetAttributes(tcell.AttrBold)
}

// setHeaders writes row 0 of a table.
func setHeaders(table *tview.Table, headers ...string) {
	for i, h := range headers {
		table.SetCell(0, i, headerCell(h))
	}
}

// buttonBar returns the one-line key legend shown above a tab.
func buttonBar(text string) *tview.TextView {
	return tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(text)
}

// Help text
const HelpText = `
 Keyboard Shortcuts
 ──────────────────────────────────────

 Navigation
   Shift+Tab    Switch tabs
   Enter        Select
   Escape       Close dialog
   ?            Show this help

 PLCs Tab
   Enter        Show tags of selected PLC
   i            Show PLC report
   x            Reset statistics
   R            Restart all scanners

 Tags Tab
   p            Choose PLC
   w            Write selected tag
   d            Show tag details

 Debug Tab
   c            Clear
   g / G        Top / bottom

 Application
   Q            Quit
`
