package docsync

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// use this type when counting bytes
type ByteCount = int64

// one completed round trip measurement
type LatencySample struct {
	ProbeId    string
	RelayUrl   string
	SentAt     time.Time
	ReceivedAt time.Time
	Rtt        time.Duration
}

type MetricsCollectorSettings struct {
	// bounded history of completed samples
	LatencyWindowSize int
	// unanswered probes age out after this without failing anything
	ProbeTimeout time.Duration
}

func DefaultMetricsCollectorSettings() *MetricsCollectorSettings {
	return &MetricsCollectorSettings{
		LatencyWindowSize: 64,
		ProbeTimeout:      30 * time.Second,
	}
}

type MetricsStats struct {
	MessagesSent     int64
	BytesSent        ByteCount
	MessagesReceived int64
	BytesReceived    ByteCount

	SampleCount int
	MinRtt      time.Duration
	MaxRtt      time.Duration
	MeanRtt     time.Duration
}

// monotonically accumulating throughput counters plus a bounded ring
// of latency samples. Reset only by explicit operator action.
type MetricsCollector struct {
	clk      clock.Clock
	settings *MetricsCollectorSettings

	mutex            sync.Mutex
	messagesSent     int64
	bytesSent        ByteCount
	messagesReceived int64
	bytesReceived    ByteCount

	pending map[string]*LatencySample

	window          []*LatencySample
	windowHeadIndex int
	windowCount     int
}

func NewMetricsCollector(clk clock.Clock, settings *MetricsCollectorSettings) *MetricsCollector {
	return &MetricsCollector{
		clk:      clk,
		settings: settings,
		pending:  map[string]*LatencySample{},
		window:   make([]*LatencySample, settings.LatencyWindowSize),
	}
}

func (self *MetricsCollector) RecordSend(byteCount ByteCount) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.messagesSent += 1
	self.bytesSent += byteCount
}

func (self *MetricsCollector) RecordReceive(byteCount ByteCount) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.messagesReceived += 1
	self.bytesReceived += byteCount
}

// records a pending measurement for a published probe
func (self *MetricsCollector) OpenProbe(probeId string) {
	now := self.clk.Now()

	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.coalescePending(now)
	self.pending[probeId] = &LatencySample{
		ProbeId: probeId,
		SentAt:  now,
	}
}

// completes a pending measurement. Unknown or aged out probe ids are
// ignored.
func (self *MetricsCollector) CloseProbe(probeId string, relayUrl string) (time.Duration, bool) {
	now := self.clk.Now()

	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.coalescePending(now)
	sample, ok := self.pending[probeId]
	if !ok {
		return 0, false
	}
	delete(self.pending, probeId)

	sample.RelayUrl = relayUrl
	sample.ReceivedAt = now
	sample.Rtt = now.Sub(sample.SentAt)

	self.window[self.windowHeadIndex] = sample
	self.windowHeadIndex = (self.windowHeadIndex + 1) % len(self.window)
	if self.windowCount < len(self.window) {
		self.windowCount += 1
	}

	return sample.Rtt, true
}

// must be called inside the state lock
func (self *MetricsCollector) coalescePending(now time.Time) {
	expireTime := now.Add(-self.settings.ProbeTimeout)
	for probeId, sample := range self.pending {
		if sample.SentAt.Before(expireTime) {
			delete(self.pending, probeId)
		}
	}
}

func (self *MetricsCollector) Stats() *MetricsStats {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	stats := &MetricsStats{
		MessagesSent:     self.messagesSent,
		BytesSent:        self.bytesSent,
		MessagesReceived: self.messagesReceived,
		BytesReceived:    self.bytesReceived,
		SampleCount:      self.windowCount,
	}

	netRtt := time.Duration(0)
	for i := 0; i < self.windowCount; i += 1 {
		sample := self.window[i]
		if stats.MinRtt == 0 || sample.Rtt < stats.MinRtt {
			stats.MinRtt = sample.Rtt
		}
		if stats.MaxRtt < sample.Rtt {
			stats.MaxRtt = sample.Rtt
		}
		netRtt += sample.Rtt
	}
	if 0 < self.windowCount {
		stats.MeanRtt = netRtt / time.Duration(self.windowCount)
	}

	return stats
}

func (self *MetricsCollector) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.messagesSent = 0
	self.bytesSent = 0
	self.messagesReceived = 0
	self.bytesReceived = 0
	self.pending = map[string]*LatencySample{}
	self.window = make([]*LatencySample, self.settings.LatencyWindowSize)
	self.windowHeadIndex = 0
	self.windowCount = 0
}
