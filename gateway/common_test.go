package gateway

import "sync"

// mockSessionWriter collects the messages a connection would receive
type mockSessionWriter struct {
	lock     sync.Mutex
	received []Message
	closed   bool
}

func (w *mockSessionWriter) SendMessage(msg Message) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.received = append(w.received, msg)
	return nil
}

func (w *mockSessionWriter) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.closed = true
	return nil
}

func (w *mockSessionWriter) messages() []Message {
	w.lock.Lock()
	defer w.lock.Unlock()
	result := make([]Message, len(w.received))
	copy(result, w.received)
	return result
}

func (w *mockSessionWriter) reset() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.received = nil
}
