package pool

import (
	"fmt"
	"sync"

	"github.com/jpillora/sizestr"

	cerrors "github.com/go-i2p/connmux/lib/errors"
)

// BufferPool is a Bounded pool of byte slices of one fixed size, used for
// per-connection I/O buffers.
type BufferPool struct {
	items *Bounded[[]byte]
	size  int
}

// NewBufferPool creates a pool of bufferSize-byte buffers.
// maxFreeCount of 0 selects MaxFreeCountFactor times the batch count;
// smaller positive values are raised to the batch count.
func NewBufferPool(bufferSize, maxFreeCount int) (*BufferPool, error) {
	if bufferSize < 0 {
		return nil, fmt.Errorf("%w: %d", cerrors.ErrInvalidBufferSize, bufferSize)
	}
	if maxFreeCount < 0 {
		return nil, fmt.Errorf("%w: max free count %d", cerrors.ErrInvalidInput, maxFreeCount)
	}

	batch := BatchCount(bufferSize)
	bp := &BufferPool{size: bufferSize}
	bp.items = NewBounded(
		func() []byte { return make([]byte, bufferSize) },
		nil,
		Config{BatchCount: batch, MaxFreeCount: maxFreeCount},
	)

	log.WithField("bufferSize", sizestr.ToString(int64(bufferSize))).
		WithField("batch", batch).
		Debug("buffer pool created")
	return bp, nil
}

// BufferSize returns the length of every buffer handed out by the pool.
func (bp *BufferPool) BufferSize() int {
	return bp.size
}

// Take returns a buffer of exactly BufferSize bytes.
func (bp *BufferPool) Take() []byte {
	return bp.items.Take()
}

// Return hands a buffer back. Reslicing before returning is allowed; buffers
// whose capacity differs from BufferSize are dropped.
func (bp *BufferPool) Return(buf []byte) {
	if buf == nil || cap(buf) != bp.size {
		return
	}
	bp.items.Return(buf[:bp.size])
}

// Close releases all idle buffers.
func (bp *BufferPool) Close() {
	bp.items.Close()
}

// Stats returns current pool statistics.
func (bp *BufferPool) Stats() Stats {
	return bp.items.Stats()
}

var (
	sharedMu      sync.Mutex
	sharedBuffers = make(map[int]*BufferPool)
)

// GetBufferPool returns the process-wide buffer pool for bufferSize,
// creating it on first use.
func GetBufferPool(bufferSize int) (*BufferPool, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if bp, ok := sharedBuffers[bufferSize]; ok {
		return bp, nil
	}
	bp, err := NewBufferPool(bufferSize, 0)
	if err != nil {
		return nil, err
	}
	sharedBuffers[bufferSize] = bp
	return bp, nil
}
