package rtt

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Frame is one chunk of bytes read from an up channel.
type Frame struct {
	Time    time.Time `cbor:"1,keyasint"`
	Channel int       `cbor:"2,keyasint"`
	Data    []byte    `cbor:"3,keyasint"`
}

var (
	frameEncMode cbor.EncMode
	frameDecMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	frameEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create frame CBOR encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	frameDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create frame CBOR decoder mode: %v", err))
	}
}

// Recorder appends frames to a capture file as a stream of CBOR items.
// It is safe for concurrent use.
type Recorder struct {
	closer io.Closer
	enc    *cbor.Encoder
	now    func() time.Time
	mu     sync.Mutex
	closed bool
}

// NewRecorder writes frames to w.
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{enc: frameEncMode.NewEncoder(w), now: time.Now}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// CreateRecorder opens path for appending, creating it if needed.
func CreateRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewRecorder(f), nil
}

// Record stores data read from channel ch. Empty reads are skipped.
func (r *Recorder) Record(ch int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	return r.enc.Encode(Frame{Time: r.now(), Channel: ch, Data: data})
}

// Close closes the underlying writer when it is closable. Calling Close more
// than once is harmless.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Reader replays a capture file.
type Reader struct {
	closer  io.Closer
	dec     *cbor.Decoder
	channel int
}

// NewReader reads frames from r. A negative channel returns every frame.
func NewReader(r io.Reader, channel int) *Reader {
	rd := &Reader{dec: frameDecMode.NewDecoder(r), channel: channel}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// OpenReader opens a capture file.
func OpenReader(path string, channel int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewReader(f, channel), nil
}

// Next returns the next matching frame, or io.EOF at the end of the stream.
func (r *Reader) Next() (Frame, error) {
	for {
		var f Frame
		if err := r.dec.Decode(&f); err != nil {
			return Frame{}, err
		}
		if r.channel < 0 || f.Channel == r.channel {
			return f, nil
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
