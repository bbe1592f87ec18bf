package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"relaydocs.com/docsync/docstore"
	"relaydocs.com/docsync/docsync"
)

const DocSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Doc sync control.

Usage:
    docsyncctl keygen
    docsyncctl ping --relay=<relay>... [--count=<count>] [--key=<key>]
    docsyncctl tail --room=<room> --relay=<relay>... [--key=<key>]
    docsyncctl send --room=<room> --relay=<relay>... [--key=<key>] <message>
    docsyncctl presence --room=<room> --relay=<relay>... [--name=<name>] [--key=<key>]
    docsyncctl recent [--store=<store>]

Options:
    -h --help             Show this screen.
    --version             Show version.
    --relay=<relay>       Relay websocket url. Repeat for multiple relays.
    --room=<room>         Room id.
    --key=<key>           Hex private key. Prompted when omitted; empty generates one.
    --name=<name>         Display name for presence.
    --count=<count>       Number of pings [default: 4].
    --store=<store>       Recent docs store path [default: docsync_recent.db].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if keygen_, _ := opts.Bool("keygen"); keygen_ {
		keygen(opts)
	} else if ping_, _ := opts.Bool("ping"); ping_ {
		ping(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if presence_, _ := opts.Bool("presence"); presence_ {
		presence(opts)
	} else if recent_, _ := opts.Bool("recent"); recent_ {
		recent(opts)
	}
}

func keygen(opts docopt.Opts) {
	privateKey, err := docsync.GenerateKey()
	if err != nil {
		Err.Fatalf("keygen error = %s", err)
	}
	Out.Printf("private: %s", docsync.PrivateKeyHex(privateKey))
	Out.Printf("public:  %s", docsync.PublicKeyHex(privateKey))
}

func resolveKey(opts docopt.Opts) string {
	key, _ := opts.String("--key")
	if key != "" {
		return key
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return ""
	}
	fmt.Fprint(os.Stderr, "private key (empty generates one): ")
	keyBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("key read error = %s", err)
	}
	return string(keyBytes)
}

func relayUrls(opts docopt.Opts) []string {
	urls, _ := opts["--relay"].([]string)
	if len(urls) == 0 {
		Err.Fatalf("at least one --relay is required")
	}
	return urls
}

func openEngine(opts docopt.Opts, roomId string) *docsync.SyncEngine {
	engine, err := docsync.NewSyncEngineWithDefaults(
		context.Background(),
		newLogDocument(),
		&docsync.SyncOptions{
			RoomId:     roomId,
			RelayUrls:  relayUrls(opts),
			PrivateKey: resolveKey(opts),
		},
	)
	if err != nil {
		Err.Fatalf("engine error = %s", err)
	}
	if err := engine.Connect(); err != nil {
		Err.Fatalf("connect error = %s", err)
	}
	return engine
}

func ping(opts docopt.Opts) {
	count, _ := opts.Int("--count")
	if count <= 0 {
		count = 4
	}

	engine := openEngine(opts, "docsyncctl-ping")
	defer engine.Destroy()

	for i := 0; i < count; i += 1 {
		probeId, err := engine.Ping()
		if err != nil {
			Out.Printf("ping error = %s", err)
		} else {
			Out.Printf("ping %s", probeId)
		}
		time.Sleep(1 * time.Second)
	}

	stats := engine.Metrics()
	Out.Printf("sent=%d received=%d", stats.MessagesSent, stats.MessagesReceived)
	Out.Printf(
		"rtt samples=%d min=%dms mean=%dms max=%dms",
		stats.SampleCount,
		stats.MinRtt/time.Millisecond,
		stats.MeanRtt/time.Millisecond,
		stats.MaxRtt/time.Millisecond,
	)
}

func tail(opts docopt.Opts) {
	roomId, _ := opts.String("--room")

	engine := openEngine(opts, roomId)
	defer engine.Destroy()

	engine.AddStateCallback(func(state docsync.SyncState) {
		Out.Printf("state %s", state)
	})
	engine.AddStatusCallback(func(relayUrl string, status docsync.ConnectionStatus) {
		Out.Printf("relay %s %s", relayUrl, status)
	})
	engine.AddUpdateCallback(func(snapshot bool) {
		if snapshot {
			Out.Printf("snapshot imported")
		} else {
			Out.Printf("update imported")
		}
	})
	engine.AddAwarenessCallback(func(participants []*docsync.Participant) {
		for _, participant := range participants {
			Out.Printf("presence %s name=%s color=%s", participant.Identity, participant.Name, participant.Color)
		}
	})
	engine.AddErrorCallback(func(err error) {
		Out.Printf("error %s", err)
	})

	select {}
}

func send(opts docopt.Opts) {
	roomId, _ := opts.String("--room")
	message, _ := opts.String("<message>")

	document := newLogDocument()
	engine, err := docsync.NewSyncEngineWithDefaults(
		context.Background(),
		document,
		&docsync.SyncOptions{
			RoomId:     roomId,
			RelayUrls:  relayUrls(opts),
			PrivateKey: resolveKey(opts),
		},
	)
	if err != nil {
		Err.Fatalf("engine error = %s", err)
	}
	defer engine.Destroy()
	if err := engine.Connect(); err != nil {
		Err.Fatalf("connect error = %s", err)
	}

	document.Append([]byte(message))
	// let the batch window flush and publish
	time.Sleep(2 * time.Second)
	Out.Printf("sent %d bytes", len(message))
}

func presence(opts docopt.Opts) {
	roomId, _ := opts.String("--room")
	name, _ := opts.String("--name")

	engine := openEngine(opts, roomId)
	defer engine.Destroy()

	if err := engine.SendPresence(&docsync.PresenceContent{Name: name}); err != nil {
		Err.Fatalf("presence error = %s", err)
	}
	time.Sleep(2 * time.Second)
	Out.Printf("presence sent as %s", engine.PublicKey())
}

func recent(opts docopt.Opts) {
	storePath, _ := opts.String("--store")

	store, err := docstore.New(storePath, docstore.DefaultMaxEntries)
	if err != nil {
		Err.Fatalf("store error = %s", err)
	}
	defer store.Close()

	docs, err := store.List()
	if err != nil {
		Err.Fatalf("list error = %s", err)
	}
	for _, doc := range docs {
		Out.Printf("%s %s %s", time.UnixMilli(doc.LastOpenedAt).Format(time.RFC3339), doc.Id, doc.Title)
	}
}

// an append only byte log that satisfies the document interface.
// Good enough for diagnostics; real applications bind a CRDT engine.
type logDocument struct {
	mutex     sync.Mutex
	content   []byte
	callbacks docsync.CallbackList[docsync.ChangeFunction]
}

func newLogDocument() *logDocument {
	return &logDocument{}
}

func (self *logDocument) Append(update []byte) {
	self.mutex.Lock()
	self.content = append(self.content, update...)
	self.mutex.Unlock()

	for _, callback := range self.callbacks.Get() {
		callback(docsync.ChangeOriginLocal, update)
	}
}

func (self *logDocument) Import(update []byte) error {
	self.mutex.Lock()
	self.content = append(self.content, update...)
	self.mutex.Unlock()

	for _, callback := range self.callbacks.Get() {
		callback(docsync.ChangeOriginImport, update)
	}
	return nil
}

func (self *logDocument) Export() ([]byte, error) {
	return self.ExportFrom(nil)
}

func (self *logDocument) ExportFrom(version []byte) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	offset := 0
	if len(version) == 8 {
		offset = int(binary.BigEndian.Uint64(version))
	}
	if len(self.content) < offset {
		offset = 0
	}
	delta := make([]byte, len(self.content)-offset)
	copy(delta, self.content[offset:])
	return delta, nil
}

func (self *logDocument) Version() []byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	version := make([]byte, 8)
	binary.BigEndian.PutUint64(version, uint64(len(self.content)))
	return version
}

func (self *logDocument) OnChange(callback docsync.ChangeFunction) func() {
	return self.callbacks.Add(callback)
}
