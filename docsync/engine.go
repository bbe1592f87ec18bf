package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
)

type SyncState string

const (
	StateIdle         SyncState = "idle"
	StateConnecting   SyncState = "connecting"
	StateSubscribed   SyncState = "subscribed"
	StateSyncing      SyncState = "syncing"
	StateSynced       SyncState = "synced"
	StateDisconnected SyncState = "disconnected"
	// non fatal. The engine remains usable and `Connect` can be
	// retried.
	StateError SyncState = "error"
)

// (state)
type StateFunction func(state SyncState)

// (snapshot). snapshot is true when the import was a full snapshot.
type DocUpdateFunction func(snapshot bool)

// (participants)
type AwarenessFunction func(participants []*Participant)

// (err)
type ErrorFunction func(err error)

// the slice of the session manager the engine needs. Lets tests
// script the relay side.
type relaySession interface {
	Open(filters []*Filter, receive EventFunction) (func(), error)
	Publish(ctx context.Context, event *Event) error
	Query(ctx context.Context, filter *Filter) ([]*Event, error)
	AddStatusCallback(statusCallback StatusFunction) func()
	Close()
}

type SyncOptions struct {
	// the room key. Also the document id carried on every envelope.
	RoomId string
	// at least one
	RelayUrls []string
	// hex encoded. Generated when empty.
	PrivateKey string
}

type SyncSettings struct {
	BatchInterval  time.Duration
	SyncOnConnect  bool
	PresenceWindow time.Duration
	PublishTimeout time.Duration

	DispatchBufferSize int
	DedupCacheSize     int

	HistorySettings  *HistoryReconcilerSettings
	PresenceSettings *PresenceTrackerSettings
	MetricsSettings  *MetricsCollectorSettings
	SessionSettings  *RelaySessionManagerSettings
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		BatchInterval:      100 * time.Millisecond,
		SyncOnConnect:      true,
		PresenceWindow:     60 * time.Second,
		PublishTimeout:     10 * time.Second,
		DispatchBufferSize: 256,
		DedupCacheSize:     1024,
		HistorySettings:    DefaultHistoryReconcilerSettings(),
		PresenceSettings:   DefaultPresenceTrackerSettings(),
		MetricsSettings:    DefaultMetricsCollectorSettings(),
		SessionSettings:    DefaultRelaySessionManagerSettings(),
	}
}

// owns one document binding and wires the relay session, batcher,
// reconciler, presence tracker and metrics together.
//
// All document imports and envelope dispatch run on one owner
// goroutine, so inbound dispatch is processed in delivery order and
// never races local mutation handling. Ordering across relays is not
// guaranteed; the commutativity of document import is what makes that
// safe.
type SyncEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	clk clock.Clock

	options  *SyncOptions
	settings *SyncSettings

	privateKey *secp256k1.PrivateKey
	publicKey  string

	document Document

	newSession func() (relaySession, error)

	metrics  *MetricsCollector
	presence *PresenceTracker
	batcher  *UpdateBatcher

	// at most once dispatch per event fingerprint
	seenEventIds *lru.Cache[string, bool]

	stateCallbacks     CallbackList[StateFunction]
	updateCallbacks    CallbackList[DocUpdateFunction]
	awarenessCallbacks CallbackList[AwarenessFunction]
	errorCallbacks     CallbackList[ErrorFunction]
	statusCallbacks    CallbackList[StatusFunction]

	dispatch chan func()

	mutex       sync.Mutex
	state       SyncState
	session     relaySession
	reconciler  *HistoryReconciler
	unsubscribe func()
	unhook      func()
	// unix milliseconds of the newest applied remote envelope
	lastSyncTimestamp int64
	destroyed         bool
}

func NewSyncEngineWithDefaults(ctx context.Context, document Document, options *SyncOptions) (*SyncEngine, error) {
	return NewSyncEngine(ctx, document, options, DefaultSyncSettings())
}

func NewSyncEngine(ctx context.Context, document Document, options *SyncOptions, settings *SyncSettings) (*SyncEngine, error) {
	return newSyncEngine(ctx, document, options, settings, clock.New(), nil)
}

func newSyncEngine(
	ctx context.Context,
	document Document,
	options *SyncOptions,
	settings *SyncSettings,
	clk clock.Clock,
	sessionFactory func() (relaySession, error),
) (*SyncEngine, error) {
	if options.RoomId == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if sessionFactory == nil && len(options.RelayUrls) == 0 {
		return nil, fmt.Errorf("at least one relay url is required")
	}

	var privateKey *secp256k1.PrivateKey
	var err error
	if options.PrivateKey != "" {
		privateKey, err = ParseKey(options.PrivateKey)
		if err != nil {
			return nil, err
		}
	} else {
		privateKey, err = GenerateKey()
		if err != nil {
			return nil, err
		}
	}

	seenEventIds, err := lru.New[string, bool](settings.DedupCacheSize)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	engine := &SyncEngine{
		ctx:          cancelCtx,
		cancel:       cancel,
		clk:          clk,
		options:      options,
		settings:     settings,
		privateKey:   privateKey,
		publicKey:    PublicKeyHex(privateKey),
		document:     document,
		metrics:      NewMetricsCollector(clk, settings.MetricsSettings),
		presence:     NewPresenceTracker(clk, settings.PresenceSettings),
		seenEventIds: seenEventIds,
		dispatch:     make(chan func(), settings.DispatchBufferSize),
		state:        StateIdle,
	}

	if sessionFactory == nil {
		sessionFactory = func() (relaySession, error) {
			return NewRelaySessionManager(cancelCtx, options.RelayUrls, settings.SessionSettings)
		}
	}
	engine.newSession = sessionFactory

	engine.batcher = NewUpdateBatcher(
		clk,
		document,
		settings.BatchInterval,
		engine.publishUpdate,
		engine.scheduleTask,
	)
	engine.unhook = document.OnChange(engine.documentChanged)

	go engine.run()
	return engine, nil
}

func (self *SyncEngine) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.dispatch:
			task()
		}
	}
}

func (self *SyncEngine) scheduleTask(task func()) {
	select {
	case <-self.ctx.Done():
	case self.dispatch <- task:
	}
}

func (self *SyncEngine) PublicKey() string {
	return self.publicKey
}

func (self *SyncEngine) RoomId() string {
	return self.options.RoomId
}

func (self *SyncEngine) State() SyncState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *SyncEngine) Metrics() *MetricsStats {
	return self.metrics.Stats()
}

func (self *SyncEngine) ResetMetrics() {
	self.metrics.Reset()
}

func (self *SyncEngine) Presence() []*Participant {
	return self.presence.Snapshot()
}

func (self *SyncEngine) AddStateCallback(callback StateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *SyncEngine) AddUpdateCallback(callback DocUpdateFunction) func() {
	return self.updateCallbacks.Add(callback)
}

func (self *SyncEngine) AddAwarenessCallback(callback AwarenessFunction) func() {
	return self.awarenessCallbacks.Add(callback)
}

func (self *SyncEngine) AddErrorCallback(callback ErrorFunction) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *SyncEngine) AddStatusCallback(callback StatusFunction) func() {
	return self.statusCallbacks.Add(callback)
}

func (self *SyncEngine) setState(state SyncState) {
	self.mutex.Lock()
	changed := self.state != state
	self.state = state
	self.mutex.Unlock()

	if !changed {
		return
	}
	glog.V(2).Infof("[e]%s state = %s\n", self.options.RoomId, state)
	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

func (self *SyncEngine) emitError(err error) {
	glog.Infof("[e]%s error = %s\n", self.options.RoomId, err)
	for _, callback := range self.errorCallbacks.Get() {
		callback(err)
	}
}

func (self *SyncEngine) currentSession() relaySession {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.session
}

// opens the relay subscriptions for the room: the document filter
// since the last known sync timestamp, and a trailing window presence
// filter. A failure here is returned to the caller and also emitted
// as an error notification.
func (self *SyncEngine) Connect() error {
	self.mutex.Lock()
	if self.destroyed {
		self.mutex.Unlock()
		return fmt.Errorf("engine destroyed")
	}
	if self.session != nil {
		// already connected
		self.mutex.Unlock()
		return nil
	}
	docSince := self.lastSyncTimestamp / 1000
	self.mutex.Unlock()

	self.setState(StateConnecting)

	session, err := self.newSession()
	if err != nil {
		self.setState(StateError)
		self.emitError(err)
		return err
	}

	removeStatusCallback := session.AddStatusCallback(func(relayUrl string, status ConnectionStatus) {
		for _, callback := range self.statusCallbacks.Get() {
			callback(relayUrl, status)
		}
	})

	presenceSince := self.clk.Now().Add(-self.settings.PresenceWindow).Unix()
	filters := []*Filter{
		{
			Kinds:  []int{KindSnapshot, KindUpdate, KindSyncRequest, KindPing, KindPong},
			RoomId: self.options.RoomId,
			Since:  docSince,
		},
		{
			Kinds:  []int{KindPresence},
			RoomId: self.options.RoomId,
			Since:  presenceSince,
		},
	}

	unsubscribe, err := session.Open(filters, self.receiveEvent)
	if err != nil {
		removeStatusCallback()
		session.Close()
		self.setState(StateError)
		self.emitError(err)
		return err
	}

	self.mutex.Lock()
	self.session = session
	self.reconciler = NewHistoryReconciler(session, self.settings.HistorySettings)
	self.unsubscribe = func() {
		removeStatusCallback()
		unsubscribe()
	}
	self.mutex.Unlock()

	self.setState(StateSubscribed)

	if self.settings.SyncOnConnect {
		self.scheduleTask(self.syncHistory)
	}
	return nil
}

// runs on the owner goroutine
func (self *SyncEngine) syncHistory() {
	self.mutex.Lock()
	reconciler := self.reconciler
	self.mutex.Unlock()
	if reconciler == nil {
		return
	}

	self.setState(StateSyncing)
	if err := reconciler.Reconcile(self.ctx, self.options.RoomId, self.importEnvelope); err != nil {
		self.setState(StateError)
		self.emitError(err)
		return
	}
	self.setState(StateSynced)
}

// applies one history envelope. Only document payloads import;
// everything else is ignored.
func (self *SyncEngine) importEnvelope(event *Event, envelope *SyncEnvelope) error {
	switch envelope.Type {
	case EnvelopeUpdate, EnvelopeSnapshot:
		if envelope.DocId != self.options.RoomId {
			return fmt.Errorf("envelope doc id mismatch: %s", envelope.DocId)
		}
		if err := self.document.Import(envelope.Data); err != nil {
			return err
		}
		// the live subscription window overlaps the history query.
		// Marking the id keeps the re-delivered event from importing
		// twice.
		self.seenEventIds.Add(event.Id, true)
		self.advanceSyncTimestamp(envelope.Timestamp)
		self.metrics.RecordReceive(ByteCount(len(envelope.Data)))
		return nil
	default:
		return nil
	}
}

func (self *SyncEngine) advanceSyncTimestamp(timestamp int64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.lastSyncTimestamp < timestamp {
		self.lastSyncTimestamp = timestamp
	}
}

// EventFunction. Called from relay reader goroutines; hands the event
// to the owner goroutine.
func (self *SyncEngine) receiveEvent(relayUrl string, event *Event) {
	self.scheduleTask(func() {
		self.handleEvent(relayUrl, event)
	})
}

func (self *SyncEngine) handleEvent(relayUrl string, event *Event) {
	if self.currentSession() == nil {
		// disconnected. Stop processing inbound envelopes.
		return
	}

	// at most once per event fingerprint
	if found, _ := self.seenEventIds.ContainsOrAdd(event.Id, true); found {
		glog.V(2).Infof("[e]duplicate %s\n", event.Id)
		return
	}

	if ok, err := event.Verify(); !ok {
		if err != nil {
			glog.Infof("[e]verify error %s = %s\n", event.Id, err)
		} else {
			glog.Infof("[e]bad signature %s\n", event.Id)
		}
		return
	}

	// self echo suppression. An echoed ping still completes the
	// pending measurement for the prober.
	if event.Pubkey == self.publicKey {
		if event.Kind == KindPing {
			self.closeProbeFromEvent(relayUrl, event)
		}
		return
	}

	envelope, err := DecodeEnvelope(event.Content)
	if err != nil {
		glog.Infof("[e]decode error %s = %s\n", event.Id, err)
		return
	}
	if envelope.DocId != self.options.RoomId {
		glog.V(2).Infof("[e]doc id mismatch %s\n", envelope.DocId)
		return
	}

	// every verified inbound envelope counts toward the receive
	// totals, not just document payloads
	self.metrics.RecordReceive(ByteCount(len(envelope.Data)))

	switch envelope.Type {
	case EnvelopeUpdate, EnvelopeSnapshot:
		if err := self.document.Import(envelope.Data); err != nil {
			glog.Infof("[e]import error %s = %s\n", event.Id, err)
			return
		}
		self.advanceSyncTimestamp(envelope.Timestamp)
		snapshot := envelope.Type == EnvelopeSnapshot
		for _, callback := range self.updateCallbacks.Get() {
			callback(snapshot)
		}
	case EnvelopeAwareness:
		content, err := DecodePresenceContent(envelope.Data)
		if err != nil {
			glog.Infof("[e]presence decode error %s = %s\n", event.Id, err)
			return
		}
		self.presence.Ingest(event.Pubkey, content, self.clk.Now())
		participants := self.presence.Snapshot()
		for _, callback := range self.awarenessCallbacks.Get() {
			callback(participants)
		}
	case EnvelopePing:
		content, err := DecodeProbeContent(envelope.Data)
		if err != nil {
			glog.V(2).Infof("[e]probe decode error %s = %s\n", event.Id, err)
			return
		}
		go self.publishProbe(EnvelopePong, content.ProbeId)
	case EnvelopePong:
		self.closeProbeFromEvent(relayUrl, event)
	case EnvelopeSyncRequest:
		go func() {
			if err := self.PublishSnapshot(); err != nil {
				glog.Infof("[e]sync request snapshot error = %s\n", err)
			}
		}()
	}
}

func (self *SyncEngine) closeProbeFromEvent(relayUrl string, event *Event) {
	envelope, err := DecodeEnvelope(event.Content)
	if err != nil {
		return
	}
	content, err := DecodeProbeContent(envelope.Data)
	if err != nil {
		return
	}
	if rtt, ok := self.metrics.CloseProbe(content.ProbeId, relayUrl); ok {
		glog.V(2).Infof("[e]probe %s rtt=%dms\n", content.ProbeId, rtt/time.Millisecond)
	}
}

// ChangeFunction. Changes whose origin is import never feed back into
// the batcher.
func (self *SyncEngine) documentChanged(origin ChangeOrigin, update []byte) {
	if origin == ChangeOriginImport {
		return
	}
	self.batcher.Enqueue(update)
}

// FlushFunction. Runs on the owner goroutine via the batcher's
// scheduled flush.
func (self *SyncEngine) publishUpdate(delta []byte) {
	envelope := &SyncEnvelope{
		Type:      EnvelopeUpdate,
		DocId:     self.options.RoomId,
		Data:      delta,
		Timestamp: self.clk.Now().UnixMilli(),
	}
	go self.publishEnvelope(envelope, true)
}

// signs and publishes one envelope. A total publish failure across
// all relays emits exactly one error notification when the envelope
// is critical; presence and probe publishes never escalate beyond a
// log line.
func (self *SyncEngine) publishEnvelope(envelope *SyncEnvelope, critical bool) error {
	session := self.currentSession()
	if session == nil {
		err := fmt.Errorf("not connected")
		if critical {
			self.emitError(err)
		}
		return err
	}

	if err := self.publishEnvelopeTo(session, envelope); err != nil {
		if critical {
			self.emitError(err)
		}
		return err
	}
	return nil
}

// signs and publishes one envelope on the given session
func (self *SyncEngine) publishEnvelopeTo(session relaySession, envelope *SyncEnvelope) error {
	kind, err := KindForType(envelope.Type)
	if err != nil {
		return err
	}
	content, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}

	event := NewEvent(kind, self.options.RoomId, content, self.clk.Now().Unix())
	if err := event.Sign(self.privateKey); err != nil {
		return err
	}

	publishCtx, publishCancel := context.WithTimeout(self.ctx, self.settings.PublishTimeout)
	defer publishCancel()

	if err := session.Publish(publishCtx, event); err != nil {
		glog.Infof("[e]publish %s error = %s\n", envelope.Type, err)
		return err
	}
	self.metrics.RecordSend(ByteCount(len(content)))
	return nil
}

// exports the full document state and publishes it as the room
// snapshot, superseding older update fragments for late joiners
func (self *SyncEngine) PublishSnapshot() error {
	self.mutex.Lock()
	if self.destroyed {
		self.mutex.Unlock()
		return fmt.Errorf("engine destroyed")
	}
	self.mutex.Unlock()

	snapshot, err := self.document.Export()
	if err != nil {
		return err
	}
	envelope := &SyncEnvelope{
		Type:      EnvelopeSnapshot,
		DocId:     self.options.RoomId,
		Data:      snapshot,
		Timestamp: self.clk.Now().UnixMilli(),
	}
	return self.publishEnvelope(envelope, true)
}

// broadcasts local presence. Failures are never critical.
func (self *SyncEngine) SendPresence(content *PresenceContent) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	envelope := &SyncEnvelope{
		Type:      EnvelopeAwareness,
		DocId:     self.options.RoomId,
		Data:      data,
		Timestamp: self.clk.Now().UnixMilli(),
	}
	go self.publishEnvelope(envelope, false)
	return nil
}

// asks peers in the room to publish a fresh snapshot
func (self *SyncEngine) RequestSync() error {
	envelope := &SyncEnvelope{
		Type:      EnvelopeSyncRequest,
		DocId:     self.options.RoomId,
		Timestamp: self.clk.Now().UnixMilli(),
	}
	go self.publishEnvelope(envelope, false)
	return nil
}

// publishes a uniquely identified probe and records the pending
// measurement. The measurement completes on a matching pong, or on
// observing the echoed ping; unanswered probes age out silently.
func (self *SyncEngine) Ping() (string, error) {
	probeId := ulid.Make().String()
	self.metrics.OpenProbe(probeId)
	if err := self.publishProbe(EnvelopePing, probeId); err != nil {
		return "", err
	}
	return probeId, nil
}

func (self *SyncEngine) publishProbe(envelopeType EnvelopeType, probeId string) error {
	data, err := json.Marshal(&ProbeContent{ProbeId: probeId})
	if err != nil {
		return err
	}
	envelope := &SyncEnvelope{
		Type:      envelopeType,
		DocId:     self.options.RoomId,
		Data:      data,
		Timestamp: self.clk.Now().UnixMilli(),
	}
	return self.publishEnvelope(envelope, false)
}

// flushes pending updates best effort, closes the relay session and
// stops inbound processing. Any publish already in flight is not
// aborted. Idempotent.
func (self *SyncEngine) Disconnect() {
	self.mutex.Lock()
	session := self.session
	self.mutex.Unlock()
	if session == nil {
		return
	}

	// the final flush publishes synchronously on the session captured
	// before teardown. A failure here is best effort and logged only.
	self.batcher.FlushTo(func(delta []byte) {
		envelope := &SyncEnvelope{
			Type:      EnvelopeUpdate,
			DocId:     self.options.RoomId,
			Data:      delta,
			Timestamp: self.clk.Now().UnixMilli(),
		}
		if err := self.publishEnvelopeTo(session, envelope); err != nil {
			glog.Infof("[e]disconnect flush error = %s\n", err)
		}
	})

	self.mutex.Lock()
	if self.session != session {
		self.mutex.Unlock()
		return
	}
	unsubscribe := self.unsubscribe
	self.session = nil
	self.reconciler = nil
	self.unsubscribe = nil
	self.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	session.Close()
	self.setState(StateDisconnected)
}

// disconnect plus release of the document hook and all observer
// registrations. Terminal.
func (self *SyncEngine) Destroy() {
	self.mutex.Lock()
	if self.destroyed {
		self.mutex.Unlock()
		return
	}
	self.destroyed = true
	self.mutex.Unlock()

	self.Disconnect()
	self.batcher.Close()
	if self.unhook != nil {
		self.unhook()
	}
	self.cancel()
}
