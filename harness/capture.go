//go:build linux

package harness

import "bytes"

// truncationMarker is appended to rendered output that hit the capture
// limit.
const truncationMarker = "\n[output truncated]\n"

// limitedBuffer caps captured output at limit bytes. Writes past the
// limit are reported as fully written so the subprocess never sees a
// short write on its stdout, but the overflow is dropped and the
// truncated flag set.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()

	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}

	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}

	return b.buf.Write(p)
}

// Text renders the captured output, with the truncation marker when
// anything was dropped.
func (b *limitedBuffer) Text() string {
	if b.truncated {
		return b.buf.String() + truncationMarker
	}

	return b.buf.String()
}
