package tunnel

// Buffer is a single-direction byte queue.  Bytes are appended with
// Push and released with Consume; the backing array is reused and
// cleared whenever the queue drains, so its size tracks the bytes
// still outstanding rather than the bytes ever transferred.
//
// Invariant: 0 <= offset <= len(data).
type Buffer struct {
	data   []byte
	offset int
}

// Empty reports whether every pushed byte has been consumed.
func (b *Buffer) Empty() bool {
	return b.offset >= len(b.data)
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.offset
}

// Push appends chunk.  A drained buffer is reset first.
func (b *Buffer) Push(chunk []byte) {
	if b.Empty() {
		b.Reset()
	}
	b.data = append(b.data, chunk...)
}

// Pending returns the unconsumed bytes.  The slice is only valid until
// the next Push, Consume or Reset.
func (b *Buffer) Pending() []byte {
	return b.data[b.offset:]
}

// Consume marks n bytes as delivered.  n <= 0 is a no-op.
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	b.offset += n
	if b.offset > len(b.data) {
		b.offset = len(b.data)
	}
	if b.Empty() {
		b.Reset()
	}
}

// Reset drops any unconsumed bytes.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.offset = 0
}
