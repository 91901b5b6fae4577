package driver

import (
	"encoding/json"
	"sync"
	"time"
)

// fakeTransport is an in-memory stand-in for the subprocess stdio pipe,
// letting tests script exact agent responses without exec'ing a real binary.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []json.RawMessage
	lines    chan []byte
	closed   bool
	killedAt time.Time
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lines: make(chan []byte, 64)}
}

func (f *fakeTransport) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) recvLines() <-chan []byte {
	return f.lines
}

func (f *fakeTransport) closeWriter() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) kill(_ time.Duration) error {
	f.mu.Lock()
	f.killedAt = time.Now()
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) pid() int { return 4242 }

// push delivers a raw line to the driver's read loop, as if the agent had
// written it to stdout.
func (f *fakeTransport) push(v interface{}) {
	data, _ := json.Marshal(v)
	f.lines <- data
}

func (f *fakeTransport) closeLines() {
	close(f.lines)
}

func (f *fakeTransport) lastSent() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	var m map[string]interface{}
	_ = json.Unmarshal(f.sent[len(f.sent)-1], &m)
	return m
}
