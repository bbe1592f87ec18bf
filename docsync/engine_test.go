package docsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/go-playground/assert/v2"
)

type fakeSession struct {
	mutex      sync.Mutex
	openErr    error
	publishErr error
	snapshots  []*Event
	updates    []*Event
	published  []*Event
	receive    EventFunction
	closeCount int
}

func (self *fakeSession) Open(filters []*Filter, receive EventFunction) (func(), error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.openErr != nil {
		return nil, self.openErr
	}
	self.receive = receive
	return func() {}, nil
}

func (self *fakeSession) Publish(ctx context.Context, event *Event) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.publishErr != nil {
		return self.publishErr
	}
	self.published = append(self.published, event)
	return nil
}

func (self *fakeSession) Query(ctx context.Context, filter *Filter) ([]*Event, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(filter.Kinds) == 1 && filter.Kinds[0] == KindSnapshot {
		return self.snapshots, nil
	}
	return self.updates, nil
}

func (self *fakeSession) AddStatusCallback(statusCallback StatusFunction) func() {
	return func() {}
}

func (self *fakeSession) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closeCount += 1
}

func (self *fakeSession) Published() []*Event {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	published := make([]*Event, len(self.published))
	copy(published, self.published)
	return published
}

func (self *fakeSession) PublishedKind(kind int) []*Event {
	events := []*Event{}
	for _, event := range self.Published() {
		if event.Kind == kind {
			events = append(events, event)
		}
	}
	return events
}

func (self *fakeSession) deliver(relayUrl string, event *Event) {
	self.mutex.Lock()
	receive := self.receive
	self.mutex.Unlock()
	if receive != nil {
		receive(relayUrl, event)
	}
}

func newTestEngine(t *testing.T, syncOnConnect bool) (*SyncEngine, *testDocument, *fakeSession, *clock.Mock, *secp256k1.PrivateKey) {
	clk := clock.NewMock()
	document := newTestDocument()
	session := &fakeSession{}
	privateKey, err := GenerateKey()
	assert.Equal(t, nil, err)

	settings := DefaultSyncSettings()
	settings.SyncOnConnect = syncOnConnect

	engine, err := newSyncEngine(
		context.Background(),
		document,
		&SyncOptions{
			RoomId:     "room-1",
			PrivateKey: PrivateKeyHex(privateKey),
		},
		settings,
		clk,
		func() (relaySession, error) {
			return session, nil
		},
	)
	assert.Equal(t, nil, err)
	return engine, document, session, clk, privateKey
}

func remoteDocEvent(t *testing.T, envelopeType EnvelopeType, data []byte, createdAt int64) *Event {
	privateKey, err := GenerateKey()
	assert.Equal(t, nil, err)
	return docEvent(t, privateKey, envelopeType, "room-1", data, createdAt)
}

func TestEngineConnectAndSync(t *testing.T) {
	engine, document, session, _, _ := newTestEngine(t, true)
	defer engine.Destroy()

	session.snapshots = []*Event{
		remoteDocEvent(t, EnvelopeSnapshot, []byte("snap."), 1000),
	}
	session.updates = []*Event{
		remoteDocEvent(t, EnvelopeUpdate, []byte("u2."), 1020),
		remoteDocEvent(t, EnvelopeUpdate, []byte("u1."), 1010),
	}

	states := []SyncState{}
	var statesMutex sync.Mutex
	engine.AddStateCallback(func(state SyncState) {
		statesMutex.Lock()
		defer statesMutex.Unlock()
		states = append(states, state)
	})

	err := engine.Connect()
	assert.Equal(t, nil, err)

	waitFor(t, func() bool {
		statesMutex.Lock()
		defer statesMutex.Unlock()
		return 0 < len(states) && states[len(states)-1] == StateSynced
	})
	assert.Equal(t, StateSynced, engine.State())
	assert.Equal(t, []byte("snap.u1.u2."), document.Content())

	statesMutex.Lock()
	assert.Equal(t, []SyncState{StateConnecting, StateSubscribed, StateSyncing, StateSynced}, states)
	statesMutex.Unlock()
}

func TestEngineConnectFailure(t *testing.T) {
	engine, _, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	session.openErr = fmt.Errorf("no relay reachable")

	errs := []error{}
	var errsMutex sync.Mutex
	engine.AddErrorCallback(func(err error) {
		errsMutex.Lock()
		defer errsMutex.Unlock()
		errs = append(errs, err)
	})

	err := engine.Connect()
	assert.NotEqual(t, nil, err)
	assert.Equal(t, StateError, engine.State())

	errsMutex.Lock()
	assert.Equal(t, 1, len(errs))
	errsMutex.Unlock()

	// the engine remains usable and connect can be retried
	session.mutex.Lock()
	session.openErr = nil
	session.mutex.Unlock()
	err = engine.Connect()
	assert.Equal(t, nil, err)
	assert.Equal(t, StateSubscribed, engine.State())
}

func TestEngineSelfEchoSuppression(t *testing.T) {
	engine, document, session, _, privateKey := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	// an envelope signed by the local identity is never imported
	selfEvent := docEvent(t, privateKey, EnvelopeUpdate, "room-1", []byte("self"), 1000)
	session.deliver("wss://a.test", selfEvent)

	// a later remote event is; dispatch order makes the check sound
	remoteEvent := remoteDocEvent(t, EnvelopeUpdate, []byte("remote"), 1001)
	session.deliver("wss://a.test", remoteEvent)

	waitFor(t, func() bool {
		return len(document.ImportCalls()) == 1
	})
	assert.Equal(t, []byte("remote"), document.ImportCalls()[0])
}

func TestEngineDuplicateSuppression(t *testing.T) {
	engine, document, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	// the same event delivered by two relays dispatches once
	event := remoteDocEvent(t, EnvelopeUpdate, []byte("once"), 1000)
	session.deliver("wss://a.test", event)
	session.deliver("wss://b.test", event)

	marker := remoteDocEvent(t, EnvelopeUpdate, []byte("marker"), 1001)
	session.deliver("wss://a.test", marker)

	waitFor(t, func() bool {
		calls := document.ImportCalls()
		return 0 < len(calls) && string(calls[len(calls)-1]) == "marker"
	})
	assert.Equal(t, 2, len(document.ImportCalls()))
}

func TestEngineDispatch(t *testing.T) {
	engine, document, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	updateFlags := []bool{}
	var updateMutex sync.Mutex
	engine.AddUpdateCallback(func(snapshot bool) {
		updateMutex.Lock()
		defer updateMutex.Unlock()
		updateFlags = append(updateFlags, snapshot)
	})

	session.deliver("wss://a.test", remoteDocEvent(t, EnvelopeUpdate, []byte("u."), 1000))
	session.deliver("wss://a.test", remoteDocEvent(t, EnvelopeSnapshot, []byte("s."), 1001))

	waitFor(t, func() bool {
		updateMutex.Lock()
		defer updateMutex.Unlock()
		return len(updateFlags) == 2
	})

	updateMutex.Lock()
	assert.Equal(t, []bool{false, true}, updateFlags)
	updateMutex.Unlock()
	assert.Equal(t, 2, len(document.ImportCalls()))

	// envelopes for a different document are discarded
	otherKey, err := GenerateKey()
	assert.Equal(t, nil, err)
	otherDoc := docEvent(t, otherKey, EnvelopeUpdate, "room-2", []byte("other"), 1002)
	session.deliver("wss://a.test", otherDoc)

	session.deliver("wss://a.test", remoteDocEvent(t, EnvelopeUpdate, []byte("marker"), 1003))
	waitFor(t, func() bool {
		calls := document.ImportCalls()
		return 0 < len(calls) && string(calls[len(calls)-1]) == "marker"
	})
	assert.Equal(t, 3, len(document.ImportCalls()))
}

func TestEngineAwareness(t *testing.T) {
	engine, _, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	remoteKey, err := GenerateKey()
	assert.Equal(t, nil, err)
	presenceData := []byte(`{"name":"ada","cursor":{"anchor":2,"head":4}}`)
	presenceEvent := docEvent(t, remoteKey, EnvelopeAwareness, "room-1", presenceData, 1000)

	awarenessCount := 0
	var awarenessMutex sync.Mutex
	engine.AddAwarenessCallback(func(participants []*Participant) {
		awarenessMutex.Lock()
		defer awarenessMutex.Unlock()
		awarenessCount += 1
	})

	session.deliver("wss://a.test", presenceEvent)

	waitFor(t, func() bool {
		awarenessMutex.Lock()
		defer awarenessMutex.Unlock()
		return awarenessCount == 1
	})

	participants := engine.Presence()
	assert.Equal(t, 1, len(participants))
	assert.Equal(t, PublicKeyHex(remoteKey), participants[0].Identity)
	assert.Equal(t, "ada", participants[0].Name)
	assert.Equal(t, DeriveColor(PublicKeyHex(remoteKey)), participants[0].Color)
	assert.Equal(t, 2, participants[0].Cursor.Anchor)

	awarenessMutex.Lock()
	assert.Equal(t, 1, awarenessCount)
	awarenessMutex.Unlock()

	// presence receipt counts toward the receive totals
	assert.Equal(t, int64(1), engine.Metrics().MessagesReceived)
}

func TestEngineBatchPublish(t *testing.T) {
	engine, document, session, clk, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	document.LocalEdit([]byte("ab"))
	document.LocalEdit([]byte("c"))
	clk.Add(100 * time.Millisecond)

	waitFor(t, func() bool {
		return len(session.PublishedKind(KindUpdate)) == 1
	})

	event := session.PublishedKind(KindUpdate)[0]
	envelope, err := DecodeEnvelope(event.Content)
	assert.Equal(t, nil, err)
	assert.Equal(t, EnvelopeUpdate, envelope.Type)
	assert.Equal(t, "room-1", envelope.DocId)
	assert.Equal(t, []byte("abc"), envelope.Data)

	ok, err := event.Verify()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, engine.PublicKey(), event.Pubkey)
	assert.Equal(t, "room-1", event.RoomId())
}

func TestEnginePublishTotalFailure(t *testing.T) {
	engine, document, session, clk, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	session.mutex.Lock()
	session.publishErr = fmt.Errorf("all relays down")
	session.mutex.Unlock()

	errCount := 0
	var errMutex sync.Mutex
	engine.AddErrorCallback(func(err error) {
		errMutex.Lock()
		defer errMutex.Unlock()
		errCount += 1
	})

	document.LocalEdit([]byte("lost"))
	clk.Add(100 * time.Millisecond)

	waitFor(t, func() bool {
		errMutex.Lock()
		defer errMutex.Unlock()
		return errCount == 1
	})
}

func TestEnginePingPong(t *testing.T) {
	engine, _, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	probeId, err := engine.Ping()
	assert.Equal(t, nil, err)
	assert.NotEqual(t, "", probeId)
	assert.Equal(t, 1, len(session.PublishedKind(KindPing)))

	// a remote pong with the probe id completes the measurement
	remoteKey, err := GenerateKey()
	assert.Equal(t, nil, err)
	pongData := []byte(fmt.Sprintf(`{"probeId":"%s"}`, probeId))
	pong := docEvent(t, remoteKey, EnvelopePong, "room-1", pongData, 1000)
	session.deliver("wss://a.test", pong)

	waitFor(t, func() bool {
		return engine.Metrics().SampleCount == 1
	})
}

func TestEnginePingEcho(t *testing.T) {
	engine, _, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	_, err = engine.Ping()
	assert.Equal(t, nil, err)

	// the relay echoing our own ping back also completes the
	// measurement
	ping := session.PublishedKind(KindPing)[0]
	session.deliver("wss://a.test", ping)

	waitFor(t, func() bool {
		return engine.Metrics().SampleCount == 1
	})
}

func TestEnginePingReply(t *testing.T) {
	engine, _, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	remoteKey, err := GenerateKey()
	assert.Equal(t, nil, err)
	ping := docEvent(t, remoteKey, EnvelopePing, "room-1", []byte(`{"probeId":"probe-7"}`), 1000)
	session.deliver("wss://a.test", ping)

	waitFor(t, func() bool {
		return len(session.PublishedKind(KindPong)) == 1
	})

	pong := session.PublishedKind(KindPong)[0]
	envelope, err := DecodeEnvelope(pong.Content)
	assert.Equal(t, nil, err)
	content, err := DecodeProbeContent(envelope.Data)
	assert.Equal(t, nil, err)
	assert.Equal(t, "probe-7", content.ProbeId)
}

func TestEnginePublishSnapshot(t *testing.T) {
	engine, document, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	document.LocalEdit([]byte("full state"))
	err = engine.PublishSnapshot()
	assert.Equal(t, nil, err)

	snapshots := session.PublishedKind(KindSnapshot)
	assert.Equal(t, 1, len(snapshots))
	envelope, err := DecodeEnvelope(snapshots[0].Content)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("full state"), envelope.Data)
}

func TestEngineSyncRequest(t *testing.T) {
	engine, document, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	document.LocalEdit([]byte("state"))

	remoteKey, err := GenerateKey()
	assert.Equal(t, nil, err)
	request := docEvent(t, remoteKey, EnvelopeSyncRequest, "room-1", nil, 1000)
	session.deliver("wss://a.test", request)

	waitFor(t, func() bool {
		return len(session.PublishedKind(KindSnapshot)) == 1
	})
}

func TestEngineSendPresence(t *testing.T) {
	engine, _, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	err = engine.SendPresence(&PresenceContent{Name: "ada", Cursor: &CursorRange{Anchor: 1, Head: 1}})
	assert.Equal(t, nil, err)

	waitFor(t, func() bool {
		return len(session.PublishedKind(KindPresence)) == 1
	})

	event := session.PublishedKind(KindPresence)[0]
	envelope, err := DecodeEnvelope(event.Content)
	assert.Equal(t, nil, err)
	content, err := DecodePresenceContent(envelope.Data)
	assert.Equal(t, nil, err)
	assert.Equal(t, "ada", content.Name)
}

func TestEngineDisconnectIdempotent(t *testing.T) {
	engine, _, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	disconnectedCount := 0
	var stateMutex sync.Mutex
	engine.AddStateCallback(func(state SyncState) {
		stateMutex.Lock()
		defer stateMutex.Unlock()
		if state == StateDisconnected {
			disconnectedCount += 1
		}
	})

	engine.Disconnect()
	engine.Disconnect()

	stateMutex.Lock()
	assert.Equal(t, 1, disconnectedCount)
	stateMutex.Unlock()

	session.mutex.Lock()
	assert.Equal(t, 1, session.closeCount)
	session.mutex.Unlock()

	assert.Equal(t, StateDisconnected, engine.State())
}

func TestEngineDisconnectFlushesPending(t *testing.T) {
	engine, document, session, _, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	errCount := 0
	var errMutex sync.Mutex
	engine.AddErrorCallback(func(err error) {
		errMutex.Lock()
		defer errMutex.Unlock()
		errCount += 1
	})

	// an edit still inside the batch window when disconnect is called
	document.LocalEdit([]byte("tail"))
	engine.Disconnect()

	// the final flush publishes before the session is torn down
	updates := session.PublishedKind(KindUpdate)
	assert.Equal(t, 1, len(updates))
	envelope, err := DecodeEnvelope(updates[0].Content)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("tail"), envelope.Data)

	// an orderly disconnect is not an error
	errMutex.Lock()
	assert.Equal(t, 0, errCount)
	errMutex.Unlock()
	assert.Equal(t, StateDisconnected, engine.State())
}

func TestEngineReconciledEventsNotReimported(t *testing.T) {
	engine, document, session, _, _ := newTestEngine(t, true)
	defer engine.Destroy()

	stored := remoteDocEvent(t, EnvelopeUpdate, []byte("stored"), 1000)
	session.updates = []*Event{stored}

	err := engine.Connect()
	assert.Equal(t, nil, err)
	waitFor(t, func() bool {
		return engine.State() == StateSynced
	})
	assert.Equal(t, 1, len(document.ImportCalls()))

	// the live subscription window overlaps the history query and
	// re-delivers the stored event
	session.deliver("wss://a.test", stored)
	session.deliver("wss://a.test", remoteDocEvent(t, EnvelopeUpdate, []byte("marker"), 1001))

	waitFor(t, func() bool {
		calls := document.ImportCalls()
		return 0 < len(calls) && string(calls[len(calls)-1]) == "marker"
	})
	assert.Equal(t, 2, len(document.ImportCalls()))
}

func TestEngineDestroyTerminal(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t, false)

	err := engine.Connect()
	assert.Equal(t, nil, err)

	engine.Destroy()
	engine.Destroy()

	err = engine.Connect()
	assert.NotEqual(t, nil, err)
}

func TestEngineImportDoesNotRebroadcast(t *testing.T) {
	engine, document, session, clk, _ := newTestEngine(t, false)
	defer engine.Destroy()

	err := engine.Connect()
	assert.Equal(t, nil, err)

	// an imported remote update changes the document but must not
	// feed back into the batcher
	session.deliver("wss://a.test", remoteDocEvent(t, EnvelopeUpdate, []byte("remote"), 1000))
	waitFor(t, func() bool {
		return len(document.ImportCalls()) == 1
	})

	clk.Add(200 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, len(session.PublishedKind(KindUpdate)))
}

func TestEngineBadKeyRejected(t *testing.T) {
	document := newTestDocument()
	_, err := NewSyncEngineWithDefaults(
		context.Background(),
		document,
		&SyncOptions{
			RoomId:     "room-1",
			RelayUrls:  []string{"wss://a.test"},
			PrivateKey: "not hex",
		},
	)
	assert.NotEqual(t, nil, err)
}
