package tui

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"eipscan/cip"
	"eipscan/config"
	"eipscan/plcman"
	"eipscan/plcsim"
)

func newTestApp(t *testing.T) (*App, *plcsim.Server, *plcman.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sim := plcsim.New(nil)
	if err := sim.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	sim.SetTag("Speed", cip.Real(12.5))
	sim.SetTag("Counts", cip.Dint(1), cip.Dint(2), cip.Dint(3))

	cfg := config.DefaultConfig()
	cfg.AddPLC(config.PLCConfig{
		Name:    "press",
		Address: sim.Addr(),
		Enabled: true,
		Period:  50 * time.Millisecond,
		Tags: []config.TagConfig{
			{Name: "Speed", Writable: true},
			{Name: "Counts", Elements: 3},
		},
	})
	reg := plcman.NewRegistry(plcman.WithTimeout(time.Second))
	if err := cfg.Apply(reg); err != nil {
		t.Fatal(err)
	}
	reg.Start(ctx)
	t.Cleanup(func() {
		reg.Stop()
		cancel()
		sim.Close()
	})

	speed := reg.Controller("press").FindTag("Speed")
	deadline := time.Now().Add(5 * time.Second)
	for !speed.Valid() {
		if time.Now().After(deadline) {
			t.Fatal("tags never became valid")
		}
		time.Sleep(10 * time.Millisecond)
	}

	services := func() []ServiceStatus {
		return []ServiceStatus{
			{Kind: "API", Name: "rest", Address: "127.0.0.1:8080", Running: true},
			{Kind: "MQTT", Name: "b1", Address: "tcp://broker:1883"},
		}
	}
	screen := tcell.NewSimulationScreen("UTF-8")
	return NewAppWithScreen(reg, cfg, services, screen), sim, reg
}

func TestPLCsTab(t *testing.T) {
	a, _, _ := newTestApp(t)
	a.refreshAll()

	tab := a.plcsTab
	if tab.table.GetRowCount() != 2 {
		t.Fatalf("rows = %d", tab.table.GetRowCount())
	}
	if got := tab.table.GetCell(1, 1).Text; got != "press" {
		t.Errorf("name = %q", got)
	}
	if got := tab.table.GetCell(1, 4).Text; got != "Polling" {
		t.Errorf("status = %q", got)
	}
	if got := tab.table.GetCell(1, 5).Text; got != "1756-L61/B LOGIX5561" {
		t.Errorf("product = %q", got)
	}
	if tab.lists.GetRowCount() != 2 || tab.lists.GetCell(1, 0).Text != "50ms" || tab.lists.GetCell(1, 1).Text != "2" {
		t.Errorf("unexpected scanlist row: %q %q", tab.lists.GetCell(1, 0).Text, tab.lists.GetCell(1, 1).Text)
	}
}

func TestTagsTab(t *testing.T) {
	a, sim, _ := newTestApp(t)
	a.showTags("press")
	if a.tabNames[a.currentTab] != TabTags {
		t.Fatalf("current tab %s", a.tabNames[a.currentTab])
	}

	tab := a.tagsTab
	rows := map[string][]string{}
	for r := 1; r < tab.table.GetRowCount(); r++ {
		var cells []string
		for c := 0; c < tab.table.GetColumnCount(); c++ {
			cells = append(cells, tab.table.GetCell(r, c).Text)
		}
		rows[cells[0]] = cells
	}
	if got := rows["Speed"]; got == nil || got[1] != "REAL" || got[3] != "12.5" || got[4] != "yes" {
		t.Errorf("Speed row = %q", got)
	}
	if got := rows["Counts"]; got == nil || got[1] != "DINT" || got[2] != "3" || got[3] != "1 2 3" || got[4] != "" {
		t.Errorf("Counts row = %q", got)
	}

	speed := a.reg.Controller("press").FindTag("Speed")
	if err := tab.writeText(speed, "40"); err != nil {
		t.Fatal(err)
	}
	counts := a.reg.Controller("press").FindTag("Counts")
	if err := tab.writeText(counts, "7 8 9"); err != nil {
		t.Fatal(err)
	}
	if err := tab.writeText(counts, ""); err == nil {
		t.Error("empty write accepted")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		s, _ := sim.Values("Speed")
		c, _ := sim.Values("Counts")
		if fmt.Sprint(s) == fmt.Sprint([]cip.Value{cip.Real(40)}) &&
			fmt.Sprint(c) == fmt.Sprint([]cip.Value{cip.Dint(7), cip.Dint(8), cip.Dint(9)}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("writes never reached the controller: %v %v", s, c)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServicesTab(t *testing.T) {
	a, _, _ := newTestApp(t)
	tab := a.servicesTab
	tab.Refresh()
	if tab.table.GetRowCount() != 3 {
		t.Fatalf("rows = %d", tab.table.GetRowCount())
	}
	if tab.table.GetCell(1, 4).Text != "running" || tab.table.GetCell(2, 4).Text != "stopped" {
		t.Errorf("statuses %q %q", tab.table.GetCell(1, 4).Text, tab.table.GetCell(2, 4).Text)
	}
	if !strings.Contains(tab.statusBar.GetText(true), "2 services, 1 running") {
		t.Errorf("status bar %q", tab.statusBar.GetText(true))
	}
}

func TestDebugTab(t *testing.T) {
	a, _, _ := newTestApp(t)
	d := a.Debug()
	fmt.Fprintf(d, "first line\nsecond ")
	fmt.Fprintf(d, "line\npartial")
	d.Refresh()
	if got := d.store.Lines(); strings.Join(got, "|") != "first line|second line" {
		t.Errorf("lines %q", got)
	}
	if got := d.logView.GetText(true); !strings.Contains(got, "second line") || strings.Contains(got, "partial") {
		t.Errorf("log view %q", got)
	}
	d.Clear()
	if len(d.store.Lines()) != 0 {
		t.Error("Clear left lines")
	}
}

func TestLineStoreKeepsLast(t *testing.T) {
	s := newLineStore(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(s, "line %d\n", i)
	}
	if got := strings.Join(s.Lines(), ","); got != "line 2,line 3,line 4" {
		t.Errorf("lines %q", got)
	}
	if s.Dropped() != 2 {
		t.Errorf("dropped %d", s.Dropped())
	}
}

func TestGlobalKeys(t *testing.T) {
	a, _, _ := newTestApp(t)
	a.handleGlobalKeys(tcell.NewEventKey(tcell.KeyBacktab, 0, tcell.ModNone))
	if a.tabNames[a.currentTab] != TabTags {
		t.Errorf("Shift+Tab went to %s", a.tabNames[a.currentTab])
	}
	a.handleGlobalKeys(tcell.NewEventKey(tcell.KeyRune, '?', tcell.ModNone))
	if front, _ := a.pages.GetFrontPage(); front != "help" {
		t.Errorf("front page %q after ?", front)
	}
	// Keys go to the modal while it is open.
	a.handleGlobalKeys(tcell.NewEventKey(tcell.KeyBacktab, 0, tcell.ModNone))
	if a.tabNames[a.currentTab] != TabTags {
		t.Errorf("tab changed under a modal")
	}
}
