package utils

import (
	"sync"
	"testing"
)

// TestWriter writes to the test log, it is typically passed to zerolog.New in tests.
type TestWriter struct {
	T *testing.T
}

func (w *TestWriter) Write(p []byte) (n int, err error) {
	w.T.Log(string(p))
	return len(p), nil
}

// LockedWriter is a buffer that can be written and read by several goroutines.
type LockedWriter struct {
	lock sync.Mutex
	buf  []byte
}

func (w *LockedWriter) Write(p []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *LockedWriter) String() string {
	w.lock.Lock()
	defer w.lock.Unlock()
	return string(w.buf)
}
