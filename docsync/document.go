package docsync

// the origin of a document change. The engine only broadcasts local
// changes. Changes applied by the import path must never feed back
// into the batcher.
type ChangeOrigin int

const (
	ChangeOriginLocal ChangeOrigin = iota
	ChangeOriginImport
)

type ChangeFunction func(origin ChangeOrigin, update []byte)

// the CRDT document engine. Implementations must guarantee that
// `Import` is commutative and idempotent, which is what makes
// cross-relay delivery order irrelevant.
//
// The version marker is an opaque token into the document's causal
// history. `ExportFrom` returns the minimal delta since that marker;
// `ExportFrom(nil)` and `Export` return a full snapshot.
//
// Implementations on a multi threaded host must serialize access to
// the document handle. The engine issues all of its own imports from a
// single owner goroutine.
type Document interface {
	Import(update []byte) error
	Export() ([]byte, error)
	ExportFrom(version []byte) ([]byte, error)
	Version() []byte
	// the hook is registered once at bind time.
	// returns a function to remove the hook.
	OnChange(callback ChangeFunction) func()
}
