// Package bufpool provides a tiered buffer pool for efficient memory reuse
// across the acquisition and dequeue hot paths.
//
// Three size tiers:
//   - Scratch (2KiB): the AcqWorkArea scratch buffer (spec §4.6) and
//     bpIdentify's bundle-ID parse buffer (spec §4.9)
//   - Header (4KiB): primary + pre-payload block serialization staging
//     (spec §4.9 step 4); the default max single extension block is 2000
//     bytes, so 4KiB covers primary + one oversized block with room to
//     spare
//   - Frame (256KiB): per-frame CLA read/write staging
//
// Buffers larger than the Frame tier are allocated directly and not pooled,
// to avoid keeping very large buffers resident indefinitely.
package bufpool

import "sync"

const (
	ScratchSize = 2 << 10
	HeaderSize  = 4 << 10
	FrameSize   = 256 << 10
)

// Pool manages byte-slice pools organized by size class, selecting the
// tightest-fitting class for each Get and falling back to direct allocation
// for oversized requests.
type Pool struct {
	scratch sync.Pool
	header  sync.Pool
	frame   sync.Pool

	scratchSize int
	headerSize  int
	frameSize   int
}

// Config overrides the default tier sizes.
type Config struct {
	ScratchSize int
	HeaderSize  int
	FrameSize   int
}

// DefaultConfig returns the default tier sizes.
func DefaultConfig() Config {
	return Config{ScratchSize: ScratchSize, HeaderSize: HeaderSize, FrameSize: FrameSize}
}

// NewPool creates a buffer pool with the given configuration. A nil config
// uses DefaultConfig.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		d := DefaultConfig()
		cfg = &d
	}
	if cfg.ScratchSize <= 0 {
		cfg.ScratchSize = ScratchSize
	}
	if cfg.HeaderSize <= 0 {
		cfg.HeaderSize = HeaderSize
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = FrameSize
	}

	p := &Pool{scratchSize: cfg.ScratchSize, headerSize: cfg.HeaderSize, frameSize: cfg.FrameSize}
	p.scratch = sync.Pool{New: func() any { b := make([]byte, p.scratchSize); return &b }}
	p.header = sync.Pool{New: func() any { b := make([]byte, p.headerSize); return &b }}
	p.frame = sync.Pool{New: func() any { b := make([]byte, p.frameSize); return &b }}
	return p
}

// Get returns a byte slice of at least the requested size, backed by a
// pooled buffer where possible. The caller must call Put when done.
func (p *Pool) Get(size int) []byte {
	var ptr *[]byte
	switch {
	case size <= p.scratchSize:
		ptr = p.scratch.Get().(*[]byte)
	case size <= p.headerSize:
		ptr = p.header.Get().(*[]byte)
	case size <= p.frameSize:
		ptr = p.frame.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	buf := *ptr
	return buf[:size]
}

// Put returns a buffer obtained from Get to the pool. Buffers whose capacity
// does not match a known tier are dropped and left to the GC.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	switch cap(buf) {
	case p.scratchSize:
		full := buf[:cap(buf)]
		p.scratch.Put(&full)
	case p.headerSize:
		full := buf[:cap(buf)]
		p.header.Put(&full)
	case p.frameSize:
		full := buf[:cap(buf)]
		p.frame.Put(&full)
	}
}

var global = NewPool(nil)

// Get returns a byte slice of at least size from the global pool.
func Get(size int) []byte { return global.Get(size) }

// Put returns buf to the global pool.
func Put(buf []byte) { global.Put(buf) }
