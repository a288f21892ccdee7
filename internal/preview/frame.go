package preview

import (
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
)

// Frame is one preview image handed to the view. Only the Poller that
// created it can retire it; once retired its bytes are released.
type Frame struct {
	Seq  uint64
	MIME string

	data    atomic.Pointer[[]byte]
	retired atomic.Bool
}

func newFrame(seq uint64, data []byte) *Frame {
	f := &Frame{Seq: seq, MIME: mimetype.Detect(data).String()}
	f.data.Store(&data)
	return f
}

// Bytes returns the image data, or nil once the frame has been retired.
func (f *Frame) Bytes() []byte {
	if p := f.data.Load(); p != nil {
		return *p
	}
	return nil
}

func (f *Frame) Retired() bool {
	return f.retired.Load()
}

// retire releases the frame. It reports false if it was already retired.
func (f *Frame) retire() bool {
	if !f.retired.CompareAndSwap(false, true) {
		return false
	}
	f.data.Store(nil)
	return true
}
