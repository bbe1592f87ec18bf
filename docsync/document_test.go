package docsync

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// an append only byte log used as the document engine in tests.
// The version marker encodes the byte offset, so the delta since a
// marker is just the suffix.
type testDocument struct {
	mutex       sync.Mutex
	content     []byte
	importCalls [][]byte
	importErr   error
	callbacks   CallbackList[ChangeFunction]
}

func newTestDocument() *testDocument {
	return &testDocument{}
}

func (self *testDocument) LocalEdit(update []byte) {
	self.mutex.Lock()
	self.content = append(self.content, update...)
	self.mutex.Unlock()

	for _, callback := range self.callbacks.Get() {
		callback(ChangeOriginLocal, update)
	}
}

func (self *testDocument) Import(update []byte) error {
	self.mutex.Lock()
	if self.importErr != nil {
		err := self.importErr
		self.mutex.Unlock()
		return err
	}
	self.content = append(self.content, update...)
	self.importCalls = append(self.importCalls, update)
	self.mutex.Unlock()

	for _, callback := range self.callbacks.Get() {
		callback(ChangeOriginImport, update)
	}
	return nil
}

func (self *testDocument) ImportCalls() [][]byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	calls := make([][]byte, len(self.importCalls))
	copy(calls, self.importCalls)
	return calls
}

func (self *testDocument) Content() []byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	content := make([]byte, len(self.content))
	copy(content, self.content)
	return content
}

func (self *testDocument) Export() ([]byte, error) {
	return self.ExportFrom(nil)
}

func (self *testDocument) ExportFrom(version []byte) ([]byte, error) {
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

func (self *testDocument) Version() []byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	version := make([]byte, 8)
	binary.BigEndian.PutUint64(version, uint64(len(self.content)))
	return version
}

func (self *testDocument) OnChange(callback ChangeFunction) func() {
	return self.callbacks.Add(callback)
}

func waitFor(t *testing.T, condition func() bool) {
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestTestDocumentDelta(t *testing.T) {
	document := newTestDocument()
	document.LocalEdit([]byte("hello"))
	marker := document.Version()
	document.LocalEdit([]byte(" world"))

	delta, err := document.ExportFrom(marker)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte(" world"), delta)

	full, err := document.ExportFrom(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("hello world"), full)
}

func TestCallbackList(t *testing.T) {
	callbacks := CallbackList[func(int)]{}

	values := []int{}
	removeA := callbacks.Add(func(value int) {
		values = append(values, value)
	})
	removeB := callbacks.Add(func(value int) {
		values = append(values, 10*value)
	})

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, []int{1, 10}, values)

	removeA()
	for _, callback := range callbacks.Get() {
		callback(2)
	}
	assert.Equal(t, []int{1, 10, 20}, values)

	removeB()
	removeB()
	assert.Equal(t, 0, len(callbacks.Get()))
}
