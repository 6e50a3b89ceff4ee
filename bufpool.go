package objcodec

import (
	"bytes"
	"sync"
)

// maxPooledBuffer keeps one huge Marshal from pinning its buffer in the pool.
const maxPooledBuffer = 1 << 20

// bytesBufPool reuses encode buffers for Marshal.
var bytesBufPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bytesBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	bytesBufPool.Put(buf)
}
