package handlers

import (
	"bytes"
	"sync"
)

// Buffers larger than this are dropped instead of pooled so one huge page
// does not pin its memory.
const maxPooledBuffer = 1 << 20

var requestBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func getBuffer() *bytes.Buffer {
	if buf, ok := requestBufferPool.Get().(*bytes.Buffer); ok {
		return buf
	}
	return bytes.NewBuffer(make([]byte, 0, 4096))
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	buf.Reset()
	requestBufferPool.Put(buf)
}

// Rendered pages are usually tens of kilobytes.
var responseBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 64<<10))
	},
}

func getResponseBuffer() *bytes.Buffer {
	if buf, ok := responseBufferPool.Get().(*bytes.Buffer); ok {
		return buf
	}
	return bytes.NewBuffer(make([]byte, 0, 64<<10))
}

func putResponseBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 4*maxPooledBuffer {
		return
	}
	buf.Reset()
	responseBufferPool.Put(buf)
}
