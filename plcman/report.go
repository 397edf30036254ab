package plcman

import (
	"fmt"
	"io"
	"strings"
	"time"

	"eipscan/cip"
)

// ScanListStatus is a snapshot of one scan list.
type ScanListStatus struct {
	Period      time.Duration `json:"period"`
	Enabled     bool          `json:"enabled"`
	ScanTime    time.Time     `json:"scan_time"`
	Scheduled   time.Time     `json:"scheduled"`
	MinScan     time.Duration `json:"min_scan"`
	MaxScan     time.Duration `json:"max_scan"`
	LastScan    time.Duration `json:"last_scan"`
	Errors      int           `json:"errors"`
	SchedErrors int           `json:"sched_errors"`
	Tags        []TagStatus   `json:"tags"`
}

// TagStatus is a snapshot of one tag's polling state.
type TagStatus struct {
	Name          string        `json:"name"`
	Elements      int           `json:"elements"`
	ReadRequest   int           `json:"read_request"`
	ReadResponse  int           `json:"read_response"`
	WriteRequest  int           `json:"write_request"`
	WriteResponse int           `json:"write_response"`
	BufferSize    int           `json:"buffer_size"`
	ValidSize     int           `json:"valid_size"`
	WritePending  bool          `json:"write_pending"`
	TransferTime  time.Duration `json:"transfer_time"`
	Callbacks     int           `json:"callbacks"`
}

// ControllerStatus is a snapshot of one controller.
type ControllerStatus struct {
	Name          string           `json:"name"`
	Address       string           `json:"address"`
	Slot          byte             `json:"slot"`
	State         string           `json:"state"`
	Running       bool             `json:"running"`
	Identity      cip.Identity     `json:"identity"`
	Connected     time.Time        `json:"connected"`
	Errors        int              `json:"errors"`
	SlowScans     int              `json:"slow_scans"`
	LastError     string           `json:"last_error,omitempty"`
	TransferLimit int              `json:"transfer_limit"`
	ScanLists     []ScanListStatus `json:"scan_lists"`
}

// Status takes a snapshot of the controller under its lock.
func (c *Controller) Status() ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ControllerStatus{
		Name:          c.name,
		Address:       c.address,
		Slot:          c.slot,
		State:         c.State().String(),
		Running:       c.running,
		Identity:      c.identity,
		Connected:     c.connected,
		Errors:        c.errors,
		SlowScans:     c.slowScans,
		TransferLimit: c.limit,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	for _, l := range c.lists {
		ls := ScanListStatus{
			Period:      l.period,
			Enabled:     l.enabled,
			ScanTime:    l.scanTime,
			Scheduled:   l.scheduled,
			MinScan:     l.minScan,
			MaxScan:     l.maxScan,
			LastScan:    l.lastScan,
			Errors:      l.listErrors,
			SchedErrors: l.schedErrors,
		}
		for _, t := range l.tags {
			t.mu.Lock()
			ls.Tags = append(ls.Tags, TagStatus{
				Name:          t.name,
				Elements:      t.elements,
				ReadRequest:   t.rReq,
				ReadResponse:  t.rResp,
				WriteRequest:  t.wReq,
				WriteResponse: t.wResp,
				BufferSize:    t.buf.Cap(),
				ValidSize:     t.buf.Valid(),
				WritePending:  t.doWrite || t.isWriting,
				TransferTime:  t.transferTime,
				Callbacks:     len(t.callbacks),
			})
			t.mu.Unlock()
		}
		st.ScanLists = append(st.ScanLists, ls)
	}
	return st
}

// Status snapshots every controller.
func (r *Registry) Status() []ControllerStatus {
	ctrls := r.Controllers()
	out := make([]ControllerStatus, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Status())
	}
	return out
}

// Values snapshots every tag of the controller in scan order.
func (c *Controller) Values() []TagValue {
	tags := c.Tags()
	out := make([]TagValue, 0, len(tags))
	for _, t := range tags {
		out = append(out, t.Snapshot())
	}
	return out
}

const stamp = "2006/01/02 15:04:05.0000"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(stamp)
}

// Report writes a human readable report. Level 0 is a one line summary
// per controller; 1 adds identity and counters, 2 the scan lists, 3 the
// tags with their sizes and values.
func (r *Registry) Report(w io.Writer, level int) {
	for _, st := range r.Status() {
		ReportStatus(w, st, level)
	}
}

// ReportStatus writes the report block of one controller snapshot.
func ReportStatus(w io.Writer, st ControllerStatus, level int) {
	fmt.Fprintf(w, "* PLC '%s', address '%s', slot %d, %s\n", st.Name, st.Address, st.Slot, st.State)
	if level < 1 {
		return
	}
	id := st.Identity
	fmt.Fprintf(w, "  Interface name        : %s\n", id.ProductName)
	fmt.Fprintf(w, "  Interface vendor      : 0x%X\n", id.VendorID)
	fmt.Fprintf(w, "  Interface type        : 0x%X\n", id.DeviceType)
	fmt.Fprintf(w, "  Interface revision    : %d.%d\n", id.Major, id.Minor)
	fmt.Fprintf(w, "  Interface serial      : 0x%X\n", id.Serial)
	fmt.Fprintf(w, "  Transfer limit        : %d bytes\n", st.TransferLimit)
	fmt.Fprintf(w, "  Scan thread slow count: %d\n", st.SlowScans)
	fmt.Fprintf(w, "  Connection errors     : %d\n", st.Errors)
	if st.LastError != "" {
		fmt.Fprintf(w, "  Last error            : %s\n", st.LastError)
	}
	if level < 2 {
		return
	}
	for _, l := range st.ScanLists {
		status := "enabled"
		if !l.Enabled {
			status = "DISABLED"
		}
		fmt.Fprintf(w, "** Scanlist %v: %s\n", l.Period, status)
		fmt.Fprintf(w, "   Last scan     : %s\n", fmtTime(l.ScanTime))
		fmt.Fprintf(w, "   Next scan     : %s\n", fmtTime(l.Scheduled))
		fmt.Fprintf(w, "   Errors        : %d\n", l.Errors)
		fmt.Fprintf(w, "   Schedule errs : %d\n", l.SchedErrors)
		fmt.Fprintf(w, "   Min. scan time: %v\n", l.MinScan)
		fmt.Fprintf(w, "   Max. scan time: %v\n", l.MaxScan)
		fmt.Fprintf(w, "   Last scan time: %v\n", l.LastScan)
		if level < 3 {
			continue
		}
		for _, t := range l.Tags {
			fmt.Fprintf(w, "   *** Tag '%s' @ %d elements\n", t.Name, t.Elements)
			fmt.Fprintf(w, "       read  req/resp : %d/%d bytes\n", t.ReadRequest, t.ReadResponse)
			fmt.Fprintf(w, "       write req/resp : %d/%d bytes\n", t.WriteRequest, t.WriteResponse)
			fmt.Fprintf(w, "       buffer         : %d of %d bytes valid\n", t.ValidSize, t.BufferSize)
			fmt.Fprintf(w, "       transfer time  : %v\n", t.TransferTime)
			fmt.Fprintf(w, "       callbacks      : %d\n", t.Callbacks)
			if t.WritePending {
				fmt.Fprintf(w, "       write pending\n")
			}
		}
	}
}

// Dump writes every tag with its current value.
func (r *Registry) Dump(w io.Writer) {
	for _, c := range r.Controllers() {
		fmt.Fprintf(w, "PLC %s\n", c.name)
		for _, tv := range c.Values() {
			fmt.Fprintf(w, "%s %s\n", tv.Tag, FormatValue(tv))
		}
	}
}

// FormatValue renders a snapshot's value the way reports print it.
func FormatValue(tv TagValue) string {
	if !tv.Valid {
		return "- no data -"
	}
	values, err := cip.Decode(tv.Raw)
	if err != nil {
		return err.Error()
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s %s", tv.Type, strings.Join(parts, " "))
}
