package docsync

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/golang/glog"
)

// (delta)
type FlushFunction func(delta []byte)

// (task)
type ScheduleFunction func(task func())

// coalesces rapid local document mutations into one outbound delta per
// delay window. The enqueued updates are only a trigger: on flush the
// published payload is the document's export since the last version
// marker, which the document engine already minimizes, so the payload
// stays minimal no matter how many edits landed in the window.
type UpdateBatcher struct {
	clk      clock.Clock
	document Document
	interval time.Duration
	flush    FlushFunction
	// when set, flushes run as scheduled tasks instead of on the
	// timer goroutine
	schedule ScheduleFunction

	mutex        sync.Mutex
	pendingCount int
	timer        *clock.Timer
	marker       []byte
	closed       bool
}

func NewUpdateBatcher(
	clk clock.Clock,
	document Document,
	interval time.Duration,
	flush FlushFunction,
	schedule ScheduleFunction,
) *UpdateBatcher {
	return &UpdateBatcher{
		clk:      clk,
		document: document,
		interval: interval,
		flush:    flush,
		schedule: schedule,
		marker:   document.Version(),
	}
}

// appends to the pending window and arms the delay timer if not
// already armed. Repeated enqueues within the window do not reset or
// multiply timers.
func (self *UpdateBatcher) Enqueue(update []byte) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}

	self.pendingCount += 1
	if self.timer == nil {
		self.timer = self.clk.AfterFunc(self.interval, self.expire)
	}
}

func (self *UpdateBatcher) expire() {
	if self.schedule != nil {
		self.schedule(self.Flush)
	} else {
		self.Flush()
	}
}

// exports the delta since the last marker and hands it off when non
// empty. The marker advances only when the delta is non empty, so an
// edit that nets out to zero bytes leaves the marker where it was.
func (self *UpdateBatcher) Flush() {
	self.FlushTo(self.flush)
}

// like `Flush` but hands the delta to the given function instead of
// the configured one
func (self *UpdateBatcher) FlushTo(flush FlushFunction) {
	self.mutex.Lock()

	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	if self.pendingCount == 0 {
		self.mutex.Unlock()
		return
	}
	self.pendingCount = 0

	delta, err := self.document.ExportFrom(self.marker)
	if err != nil {
		self.mutex.Unlock()
		glog.Infof("[b]export error = %s\n", err)
		return
	}
	if len(delta) == 0 {
		self.mutex.Unlock()
		glog.V(2).Infof("[b]empty delta, skip\n")
		return
	}
	self.marker = self.document.Version()
	self.mutex.Unlock()

	if flush != nil {
		flush(delta)
	}
}

// flushes any pending window best effort and stops the timer
func (self *UpdateBatcher) Close() {
	self.Flush()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
