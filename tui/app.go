package tui

import (
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"eipscan/config"
	"eipscan/plcman"
)

// ServiceStatus describes one outer surface (API, broker, cluster) for the
// Services tab.
type ServiceStatus struct {
	Kind    string
	Name    string
	Address string
	Running bool
	Detail  string
}

// App is the main TUI application.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	tabs      *tview.TextView
	statusBar *tview.TextView

	plcsTab     *PLCsTab
	tagsTab     *TagsTab
	servicesTab *ServicesTab
	debugTab    *DebugTab

	reg      *plcman.Registry
	config   *config.Config
	services func() []ServiceStatus
	refresh  time.Duration
	ascii    bool

	currentTab int
	tabNames   []string

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewApp creates the monitor for reg. services may be nil.
func NewApp(reg *plcman.Registry, cfg *config.Config, services func() []ServiceStatus) *App {
	return newApp(tview.NewApplication(), reg, cfg, services)
}

// NewAppWithScreen creates the monitor drawing on screen.
func NewAppWithScreen(reg *plcman.Registry, cfg *config.Config, services func() []ServiceStatus, screen tcell.Screen) *App {
	return newApp(tview.NewApplication().SetScreen(screen), reg, cfg, services)
}

func newApp(app *tview.Application, reg *plcman.Registry, cfg *config.Config, services func() []ServiceStatus) *App {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if services == nil {
		services = func() []ServiceStatus { return nil }
	}
	a := &App{
		app:      app,
		reg:      reg,
		config:   cfg,
		services: services,
		refresh:  cfg.UI.Refresh,
		ascii:    cfg.UI.ASCIIMode,
		tabNames: []string{TabPLCs, TabTags, TabServices, TabDebug},
		stopChan: make(chan struct{}),
	}
	if a.refresh <= 0 {
		a.refresh = time.Second
	}
	if a.ascii {
		useASCII()
	}
	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.tabs = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	a.pages = tview.NewPages()

	a.plcsTab = NewPLCsTab(a)
	a.tagsTab = NewTagsTab(a)
	a.servicesTab = NewServicesTab(a)
	a.debugTab = NewDebugTab(a)

	a.pages.AddPage(TabPLCs, a.plcsTab.GetPrimitive(), true, true)
	a.pages.AddPage(TabTags, a.tagsTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabServices, a.servicesTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabDebug, a.debugTab.GetPrimitive(), true, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)
	a.updateTabsDisplay()
	a.setStatus("Ready. Press ? for help.")
	a.focusCurrentTab()
}

// Debug returns the debug tab; it is an io.Writer for the protocol log.
func (a *App) Debug() *DebugTab { return a.debugTab }

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}
	// Anything that is not a tab page is a modal and gets every key.
	front, _ := a.pages.GetFrontPage()
	isMainTab := false
	for _, name := range a.tabNames {
		if front == name {
			isMainTab = true
		}
	}
	if !isMainTab {
		return event
	}

	switch {
	case event.Rune() == 'Q':
		a.Stop()
		return nil
	case event.Key() == tcell.KeyBacktab:
		a.nextTab()
		return nil
	case event.Rune() == '?':
		a.showHelp()
		return nil
	}
	return event
}

func (a *App) nextTab() {
	a.switchToTab((a.currentTab + 1) % len(a.tabNames))
}

func (a *App) switchToTab(index int) {
	a.currentTab = index
	a.pages.SwitchToPage(a.tabNames[index])
	a.updateTabsDisplay()
	a.focusCurrentTab()
}

func (a *App) focusCurrentTab() {
	switch a.tabNames[a.currentTab] {
	case TabPLCs:
		a.app.SetFocus(a.plcsTab.GetFocusable())
	case TabTags:
		a.app.SetFocus(a.tagsTab.GetFocusable())
	case TabServices:
		a.app.SetFocus(a.servicesTab.GetFocusable())
	case TabDebug:
		a.app.SetFocus(a.debugTab.GetFocusable())
	}
}

func (a *App) updateTabsDisplay() {
	text := ""
	for i, name := range a.tabNames {
		if i > 0 {
			text += "[gray]  |  [-]"
		}
		if i == a.currentTab {
			text += "[yellow::b]" + name + "[-::-]"
		} else {
			text += "[gray]" + name + "[-]"
		}
	}
	a.tabs.SetText(text)
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

// showTags switches to the Tags tab showing the named controller.
func (a *App) showTags(plc string) {
	a.tagsTab.SetPLC(plc)
	for i, name := range a.tabNames {
		if name == TabTags {
			a.switchToTab(i)
		}
	}
}

func (a *App) showHelp() {
	const pageName = "help"
	textView := tview.NewTextView().
		SetText(HelpText).
		SetDynamicColors(true)
	textView.SetBorder(true).SetTitle(" Help ")
	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.closeModal(pageName)
			return nil
		}
		return event
	})
	a.showCenteredModal(pageName, textView, 45, 30)
}

func (a *App) showError(title, message string) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			a.closeModal("error")
		})
	a.pages.AddPage("error", modal, true, true)
}

func (a *App) showConfirm(title, message string, onConfirm func()) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"Yes", "No"}).
		SetDoneFunc(func(buttonIndex int, _ string) {
			a.closeModal("confirm")
			if buttonIndex == 0 {
				onConfirm()
			}
		})
	a.pages.AddPage("confirm", modal, true, true)
}

// showText shows a scrollable read-only text dialog.
func (a *App) showText(title, text string) {
	const pageName = "text"
	view := tview.NewTextView().
		SetText(text).
		SetScrollable(true)
	view.SetBorder(true).SetTitle(" " + title + " ")
	view.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter {
			a.closeModal(pageName)
			return nil
		}
		return event
	})
	a.showCenteredModal(pageName, view, 90, 30)
}

func (a *App) showCenteredModal(pageName string, content tview.Primitive, width, height int) {
	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(content, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)
	a.pages.AddPage(pageName, modal, true, true)
	a.app.SetFocus(content)
}

func (a *App) showFormModal(pageName string, form *tview.Form, width, height int) {
	form.SetCancelFunc(func() { a.closeModal(pageName) })
	a.showCenteredModal(pageName, form, width, height)
}

func (a *App) closeModal(pageName string) {
	a.pages.RemovePage(pageName)
	a.focusCurrentTab()
}

// refreshAll redraws every tab from fresh snapshots. It runs on the UI
// goroutine.
func (a *App) refreshAll() {
	a.plcsTab.Refresh()
	a.tagsTab.Refresh()
	a.servicesTab.Refresh()
	a.debugTab.Refresh()
}

func (a *App) periodicRefresh() {
	ticker := time.NewTicker(a.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.refreshAll)
		}
	}
}

// Run starts the UI and blocks until Stop is called or Q is pressed.
func (a *App) Run() error {
	go a.periodicRefresh()
	if err := a.app.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

// Stop ends Run.
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
	a.app.Stop()
}
