package docsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// event kinds for the sync protocol
// snapshots are replaceable per room. updates are append only.
// presence and probes are in the ephemeral range and relays are not
// expected to retain them.
const (
	KindUpdate      = 9091
	KindSnapshot    = 30091
	KindPresence    = 20091
	KindPing        = 20092
	KindPong        = 20093
	KindSyncRequest = 20094
)

// the room id is carried as the `d` tag so that relays can filter
// events for a room without decoding the content
const RoomTagName = "d"

// a signed relay event. The content carries an encoded `SyncEnvelope`.
type Event struct {
	Id        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func NewEvent(kind int, roomId string, content string, createdAt int64) *Event {
	return &Event{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      [][]string{{RoomTagName, roomId}},
		Content:   content,
	}
}

func (self *Event) TagValue(tagName string) string {
	for _, tag := range self.Tags {
		if 2 <= len(tag) && tag[0] == tagName {
			return tag[1]
		}
	}
	return ""
}

func (self *Event) RoomId() string {
	return self.TagValue(RoomTagName)
}

// the id is the hash of the canonical serialization
// [0, pubkey, created_at, kind, tags, content]
func (self *Event) ComputeId() ([]byte, error) {
	tags := self.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serial, err := json.Marshal([]any{
		0,
		self.Pubkey,
		self.CreatedAt,
		self.Kind,
		tags,
		self.Content,
	})
	if err != nil {
		return nil, err
	}
	idBytes := sha256.Sum256(serial)
	return idBytes[:], nil
}

// sets pubkey, id, and sig
func (self *Event) Sign(privateKey *secp256k1.PrivateKey) error {
	self.Pubkey = PublicKeyHex(privateKey)
	idBytes, err := self.ComputeId()
	if err != nil {
		return err
	}
	self.Id = hex.EncodeToString(idBytes)
	sig, err := schnorr.Sign(privateKey, idBytes)
	if err != nil {
		return err
	}
	self.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// checks both that the id matches the content and that the signature
// matches the signer
func (self *Event) Verify() (bool, error) {
	idBytes, err := self.ComputeId()
	if err != nil {
		return false, err
	}
	if hex.EncodeToString(idBytes) != self.Id {
		return false, nil
	}

	pubkeyBytes, err := hex.DecodeString(self.Pubkey)
	if err != nil {
		return false, fmt.Errorf("bad pubkey encoding: %w", err)
	}
	pubkey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return false, fmt.Errorf("bad pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(self.Sig)
	if err != nil {
		return false, fmt.Errorf("bad sig encoding: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("bad sig: %w", err)
	}

	return sig.Verify(idBytes, pubkey), nil
}

// a relay query filter. The zero value matches everything.
type Filter struct {
	Ids     []string
	Kinds   []int
	Authors []string
	// matches the room tag
	RoomId string
	// unix seconds, inclusive
	Since int64
	Until int64
	Limit int
}

// the relay wire form
func (self *Filter) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if 0 < len(self.Ids) {
		out["ids"] = self.Ids
	}
	if 0 < len(self.Kinds) {
		out["kinds"] = self.Kinds
	}
	if 0 < len(self.Authors) {
		out["authors"] = self.Authors
	}
	if self.RoomId != "" {
		out["#"+RoomTagName] = []string{self.RoomId}
	}
	if 0 < self.Since {
		out["since"] = self.Since
	}
	if 0 < self.Until {
		out["until"] = self.Until
	}
	if 0 < self.Limit {
		out["limit"] = self.Limit
	}
	return json.Marshal(out)
}

// local match semantics. `Limit` is a query hint and does not
// participate in matching.
func (self *Filter) Matches(event *Event) bool {
	if 0 < len(self.Ids) {
		if !slices.Contains(self.Ids, event.Id) {
			return false
		}
	}
	if 0 < len(self.Kinds) {
		if !slices.Contains(self.Kinds, event.Kind) {
			return false
		}
	}
	if 0 < len(self.Authors) {
		if !slices.Contains(self.Authors, event.Pubkey) {
			return false
		}
	}
	if self.RoomId != "" {
		if event.RoomId() != self.RoomId {
			return false
		}
	}
	if 0 < self.Since {
		if event.CreatedAt < self.Since {
			return false
		}
	}
	if 0 < self.Until {
		if self.Until < event.CreatedAt {
			return false
		}
	}
	return true
}
