package radar

import (
	"testing"
	"time"
)

// FuzzDecode ensures arbitrary byte input never panics the ASCII decoder,
// mirroring the teacher's FuzzCodecDecodeInvalid: decoding untrusted wire
// bytes must return normally, never crash the Acquisition Loop.
func FuzzDecode(f *testing.F) {
	f.Add([]byte(""))
	f.Add([]byte("\x02\x03"))
	f.Add([]byte("P3DX1 3A83126F 0 7 0000 01F4 03E8 05DC 07D0 09C4 0BB8 V3DX1"))
	f.Add([]byte("\x02sRA LMDradardata 1 P3DX1 3A83126F 0 7 0000 01F4 03E8 05DC 07D0 09C4 0BB8 V3DX1 3C23D70A 0 7 0000 FFF6 000A 0000 0014 FFEC 0000\x03"))
	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Decode panicked on input %q: %v", data, r)
			}
		}()
		Decode(data, time.Now())
	})
}

// FuzzDecodeFullFrameNeverPartial ensures any input decoded with
// partial=false carries a populated timestamp. Channels may still be zero in
// a non-partial frame (a truncated channel list leaves them at zero).
func FuzzDecodeFullFrameNeverPartial(f *testing.F) {
	f.Add([]byte("\x02sRA LMDradardata 1 P3DX1 3A83126F 0 7 0000 01F4 03E8 05DC 07D0 09C4 0BB8 V3DX1 3C23D70A 0 7 0000 FFF6 000A 0000 0014 FFEC 0000\x03"))
	f.Fuzz(func(t *testing.T, data []byte) {
		frame, partial := Decode(data, time.Now())
		if partial {
			return
		}
		if frame.Timestamp.IsZero() {
			t.Fatalf("full decode produced zero timestamp")
		}
	})
}
