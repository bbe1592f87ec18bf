package docsync

import (
	"encoding/json"
	"fmt"
)

// the envelope is the transport agnostic message wrapper carried as
// the signed event's content. The binary payload is base64 in the
// wire form (the default `encoding/json` treatment of `[]byte`).

type EnvelopeType string

const (
	EnvelopeUpdate      EnvelopeType = "update"
	EnvelopeSnapshot    EnvelopeType = "snapshot"
	EnvelopeAwareness   EnvelopeType = "awareness"
	EnvelopeSyncRequest EnvelopeType = "sync-request"
	EnvelopePing        EnvelopeType = "ping"
	EnvelopePong        EnvelopeType = "pong"
)

// immutable once constructed. One envelope maps to exactly one signed
// event.
type SyncEnvelope struct {
	Type  EnvelopeType `json:"type"`
	DocId string       `json:"docId"`
	Data  []byte       `json:"data,omitempty"`
	// unix milliseconds
	Timestamp int64 `json:"timestamp"`
}

var envelopeKinds = map[EnvelopeType]int{
	EnvelopeUpdate:      KindUpdate,
	EnvelopeSnapshot:    KindSnapshot,
	EnvelopeAwareness:   KindPresence,
	EnvelopeSyncRequest: KindSyncRequest,
	EnvelopePing:        KindPing,
	EnvelopePong:        KindPong,
}

// the event kind for an envelope type
func KindForType(envelopeType EnvelopeType) (int, error) {
	kind, ok := envelopeKinds[envelopeType]
	if !ok {
		return 0, fmt.Errorf("no kind for envelope type: %s", envelopeType)
	}
	return kind, nil
}

func EncodeEnvelope(envelope *SyncEnvelope) (string, error) {
	content, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// a decode failure never aborts anything upstream. The offending
// event is dropped and processing continues.
func DecodeEnvelope(content string) (*SyncEnvelope, error) {
	envelope := &SyncEnvelope{}
	if err := json.Unmarshal([]byte(content), envelope); err != nil {
		return nil, fmt.Errorf("bad envelope: %w", err)
	}
	if _, ok := envelopeKinds[envelope.Type]; !ok {
		return nil, fmt.Errorf("unknown envelope type: %s", envelope.Type)
	}
	if envelope.DocId == "" {
		return nil, fmt.Errorf("envelope missing docId")
	}
	return envelope, nil
}

type CursorRange struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// the payload of an awareness envelope
type PresenceContent struct {
	Name   string       `json:"name,omitempty"`
	Cursor *CursorRange `json:"cursor,omitempty"`
	Color  string       `json:"color,omitempty"`
}

func DecodePresenceContent(data []byte) (*PresenceContent, error) {
	content := &PresenceContent{}
	if err := json.Unmarshal(data, content); err != nil {
		return nil, fmt.Errorf("bad presence content: %w", err)
	}
	return content, nil
}

// the payload of a ping or pong envelope
type ProbeContent struct {
	ProbeId string `json:"probeId"`
}

func DecodeProbeContent(data []byte) (*ProbeContent, error) {
	content := &ProbeContent{}
	if err := json.Unmarshal(data, content); err != nil {
		return nil, fmt.Errorf("bad probe content: %w", err)
	}
	if content.ProbeId == "" {
		return nil, fmt.Errorf("probe content missing probeId")
	}
	return content, nil
}
