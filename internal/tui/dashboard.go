package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Snapshot represents a rendered view of runtime state: totals, per-subflow
// rates, per-stream credit balances.
type Snapshot struct {
	Timestamp time.Time
	Title     string
	Lines     []string
}

// Provider yields new snapshots when invoked.
type Provider interface {
	Snapshot() Snapshot
}

// Dashboard periodically writes snapshots to the configured writer. Each
// snapshot is composed into one buffer and written with a single call so
// concurrent log output cannot interleave mid-block.
type Dashboard struct {
	Provider Provider
	Writer   io.Writer
	Interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

func NewDashboard(p Provider, w io.Writer, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Dashboard{
		Provider: p,
		Writer:   w,
		Interval: interval,
		stop:     make(chan struct{}),
	}
}

func (d *Dashboard) Start() {
	go d.loop()
}

func (d *Dashboard) loop() {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	d.render()
	for {
		select {
		case <-ticker.C:
			d.render()
		case <-d.stop:
			return
		}
	}
}

func (d *Dashboard) render() {
	if d.Provider == nil || d.Writer == nil {
		return
	}
	snap := d.Provider.Snapshot()
	title := snap.Title
	if title == "" {
		title = "status"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n[%s] %s\n", snap.Timestamp.Format(time.RFC3339), title)
	for _, line := range snap.Lines {
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "  %s\n", line)
	}
	_, _ = io.WriteString(d.Writer, b.String())
}

func (d *Dashboard) Stop() {
	d.once.Do(func() { close(d.stop) })
}
