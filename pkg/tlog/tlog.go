// Package tlog is the logging facade every tierfs package writes
// through, adapted from vorteil's pkg/elog: a small interface over
// logrus plus a progress-bar view for long-running operations such as
// whole-file migration.
package tlog

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the interface every tierfs package logs through, instead
// of calling logrus directly. This keeps call sites agnostic of
// whether they're driven by the CLI, a test harness, or an embedding
// program.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	IsDebugEnabled() bool
}

// CLI is the Logger used by cmd/tierfsctl (tiersb.New falls back to
// Discard when given none). Verbose gates Infof the way elog.CLI.IsVerbose gates its
// own Infof.
type CLI struct {
	Verbose bool
	Debug   bool

	mu       sync.Mutex
	progress *mpb.Progress
}

var _ Logger = (*CLI)(nil)

func (c *CLI) Debugf(format string, args ...interface{}) {
	if c.Debug {
		logrus.Debugf(format, args...)
	}
}

func (c *CLI) Infof(format string, args ...interface{}) {
	if c.Verbose {
		logrus.Infof(format, args...)
	}
}

func (c *CLI) Warnf(format string, args ...interface{}) {
	logrus.Warnf(format, args...)
}

func (c *CLI) Errorf(format string, args ...interface{}) {
	logrus.Errorf(format, args...)
}

func (c *CLI) IsDebugEnabled() bool {
	return c.Debug
}

// Bar is a handle to a single progress bar, e.g. one tracking the
// blocks copied so far during a migration.
type Bar struct {
	bar   *mpb.Bar
	total int64
}

// Increment advances the bar by n units (blocks copied).
func (b *Bar) Increment(n int64) {
	if b == nil || b.bar == nil {
		return
	}
	b.bar.IncrBy(int(n))
}

// Done marks the bar complete.
func (b *Bar) Done() {
	if b == nil || b.bar == nil {
		return
	}
	for !b.bar.Completed() {
		b.bar.SetCurrent(b.total)
	}
}

// NewProgress starts a labeled progress bar over total units, creating
// the CLI's progress container on first use. It never returns nil;
// Increment/Done are no-ops only on a nil *Bar.
func (c *CLI) NewProgress(label string, total int64) *Bar {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.progress == nil {
		c.progress = mpb.New(mpb.WithWidth(80))
	}

	bar := c.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done"),
		),
	)

	return &Bar{bar: bar, total: total}
}

// Discard is a Logger that drops everything; used by package tests
// that don't want log noise.
type Discard struct{}

var _ Logger = Discard{}

func (Discard) Debugf(string, ...interface{}) {}
func (Discard) Infof(string, ...interface{})  {}
func (Discard) Warnf(string, ...interface{})  {}
func (Discard) Errorf(string, ...interface{}) {}
func (Discard) IsDebugEnabled() bool          { return false }
