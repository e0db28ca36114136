package lifecycle

import (
	"context"
	"io"

	"github.com/cuemby/glacier/pkg/regerr"
)

// errSizeCapExceeded is a BadRequest surfaced to UploadBody when the
// stream grows past Config.MaxBodySize before the body terminates.
var errSizeCapExceeded = regerr.New(regerr.BadRequest, "image body exceeds the configured size cap")

// cappedReader aborts with errSizeCapExceeded once more than limit bytes
// have been read, counting bytes rather than trusting a declared
// Content-Length, so chunked uploads are bounded too.
type cappedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.read >= c.limit {
		// Exactly limit bytes have been delivered so far. A body whose
		// size equals the cap must still succeed, so
		// this can't simply fail here: probe the underlying reader for
		// one more byte to tell "the stream ends right at the cap" (EOF)
		// apart from "the stream keeps going past it" (exceeded), without
		// ever handing the caller bytes beyond the cap.
		var probe [1]byte
		n, err := c.r.Read(probe[:])
		if n > 0 {
			return 0, errSizeCapExceeded
		}
		return 0, err
	}
	if remaining := c.limit - c.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	return n, err
}

// ctxReader aborts a read in progress once ctx is done, making a client
// disconnect (the transport cancels ctx) equivalent to any other
// upload failure.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	default:
	}
	n, err := c.r.Read(p)
	if err == nil {
		select {
		case <-c.ctx.Done():
			return n, c.ctx.Err()
		default:
		}
	}
	return n, err
}

// trackingReadCloser counts bytes read through it and invokes onClose
// exactly once with the final count and the error (if any) returned by
// the last Read before Close, so Download can emit an accurate
// image.send event regardless of whether the caller read to EOF or
// abandoned the stream early.
type trackingReadCloser struct {
	io.ReadCloser
	n       int64
	lastErr error
	onClose func(n int64, lastErr error)
	closed  bool
}

func (t *trackingReadCloser) Read(p []byte) (int, error) {
	n, err := t.ReadCloser.Read(p)
	t.n += int64(n)
	if err != nil {
		t.lastErr = err
	}
	return n, err
}

func (t *trackingReadCloser) Close() error {
	err := t.ReadCloser.Close()
	if !t.closed {
		t.closed = true
		if t.onClose != nil {
			t.onClose(t.n, t.lastErr)
		}
	}
	return err
}
