// Fuzz targets wrapping property tests via rapid.MakeFuzz
// Run with: go test -fuzz=FuzzUnmarshalRequest ./pkg/wire/ -fuzztime=30s
package wire

import (
	"errors"
	"slices"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// FuzzUnmarshalRequest feeds arbitrary bytes to the request decoder. Anything
// accepted must name a known op and survive a re-encode unchanged.
func FuzzUnmarshalRequest(f *testing.F) {
	f.Fuzz(rapid.MakeFuzz(func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		req, err := UnmarshalRequest(data)
		if err != nil {
			if !errors.Is(err, ErrBadRequest) {
				t.Fatalf("rejection %v does not wrap ErrBadRequest", err)
			}
			return
		}
		if !slices.Contains(Ops, req.Op) {
			t.Fatalf("accepted unknown op %q", req.Op)
		}
		out, err := MarshalRequest(req)
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		again, err := UnmarshalRequest(out)
		if err != nil || again != req {
			t.Fatalf("re-decode gave %+v, %v; want %+v", again, err, req)
		}
	}))
}

// FuzzWideTimestamps checks that the wide codec keeps every instant between
// year 1 and 9999 exactly, including those past the int32 rollover.
func FuzzWideTimestamps(f *testing.F) {
	lo := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	hi := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC).Unix()
	f.Fuzz(rapid.MakeFuzz(func(t *rapid.T) {
		secs := rapid.Int64Range(lo, hi).Draw(t, "secs")
		nanos := rapid.Int64Range(0, int64(time.Second)-1).Draw(t, "nanos")
		in := time.Unix(secs, nanos).UTC()

		raw, err := WideTimestamps{}.Encode(in)
		if err != nil {
			t.Fatalf("encode %s: %v", in, err)
		}
		out, err := WideTimestamps{}.Decode(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if !out.Equal(in) {
			t.Fatalf("round trip changed %s into %s", in, out)
		}
	}))
}
