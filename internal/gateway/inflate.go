package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"

	"github.com/klauspost/compress/zlib"
)

// zlibSuffix terminates every complete zlib-stream message (sync flush).
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// Inflater decodes a zlib-stream transport: one compression context spans the
// whole connection and a logical message may arrive in several frames.
//
// Decompression runs in its own goroutine reading from a pipe, because a
// flate reader that sees EOF between messages stays failed forever.
type Inflater struct {
	buf  []byte
	pw   *io.PipeWriter
	done chan struct{}
	err  error

	closing atomic.Bool
}

// NewInflater starts the decoder. emit receives each decoded JSON message
// in order.
func NewInflater(emit func(msg []byte)) *Inflater {
	pr, pw := io.Pipe()
	in := &Inflater{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(in.done)
		zr, err := zlib.NewReader(pr)
		if err != nil {
			if !in.closing.Load() {
				in.err = err
			}
			pr.CloseWithError(err)
			return
		}
		defer zr.Close()
		dec := json.NewDecoder(zr)
		for {
			var msg json.RawMessage
			if err := dec.Decode(&msg); err != nil {
				if !in.closing.Load() && !errors.Is(err, io.EOF) {
					in.err = err
				}
				pr.CloseWithError(err)
				return
			}
			emit(msg)
		}
	}()
	return in
}

// Feed appends one binary frame. Data is forwarded to the decoder once the
// accumulated bytes end with the flush marker.
func (in *Inflater) Feed(frame []byte) error {
	in.buf = append(in.buf, frame...)
	if !bytes.HasSuffix(in.buf, zlibSuffix) {
		return nil
	}
	_, err := in.pw.Write(in.buf)
	in.buf = in.buf[:0]
	return err
}

// Close stops the decoder and waits for it to exit.
func (in *Inflater) Close() error {
	in.closing.Store(true)
	_ = in.pw.Close()
	<-in.done
	return in.err
}
