package wire

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func buildStream(payloads ...[]byte) []byte {
	var b []byte
	for _, p := range payloads {
		b = AppendFrame(b, p)
	}
	return b
}

func samplePayloads() [][]byte {
	return [][]byte{
		[]byte("first"),
		{},
		bytes.Repeat([]byte{0xAB}, 1000),
		[]byte("x"),
		bytes.Repeat([]byte("abc"), 70000), // spans many reads
	}
}

func feedAll(t *testing.T, d *Decoder, stream []byte, chunk func(remaining int) int) [][]byte {
	t.Helper()
	var out [][]byte
	for len(stream) > 0 {
		n := chunk(len(stream))
		frames, err := d.Feed(stream[:n])
		if err != nil {
			t.Fatalf("Feed returned error: %v", err)
		}
		out = append(out, frames...)
		stream = stream[n:]
	}
	return out
}

func assertFrames(t *testing.T, got, want [][]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("frame %d mismatch: got %d bytes, want %d bytes", i, len(got[i]), len(want[i]))
		}
	}
}

func TestFrame_HeaderIsBigEndianLength(t *testing.T) {
	f := Frame([]byte("hello"))
	want := []byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(f, want) {
		t.Errorf("Frame() = %v, want %v", f, want)
	}
}

func TestDecoder_WholeStream(t *testing.T) {
	payloads := samplePayloads()
	d := NewDecoder(0)

	frames, err := d.Feed(buildStream(payloads...))
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	assertFrames(t, frames, payloads)
	if d.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", d.Buffered())
	}
}

func TestDecoder_ChunkBoundaryIndependence(t *testing.T) {
	payloads := samplePayloads()
	stream := buildStream(payloads...)

	tests := []struct {
		name  string
		chunk func(remaining int) int
	}{
		{"one byte at a time", func(int) int { return 1 }},
		{"three bytes", func(r int) int { return min(3, r) }},
		{"header split", func(r int) int { return min(HeaderSize-1, r) }},
		{"fixed 4096", func(r int) int { return min(4096, r) }},
		{"random", func() func(int) int {
			rng := rand.New(rand.NewSource(42))
			return func(r int) int { return 1 + rng.Intn(r) }
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(0)
			got := feedAll(t, d, stream, tt.chunk)
			assertFrames(t, got, payloads)
			if d.Buffered() != 0 {
				t.Errorf("expected empty buffer, got %d bytes", d.Buffered())
			}
		})
	}
}

func TestDecoder_RetainsPartialFrame(t *testing.T) {
	stream := buildStream([]byte("complete"), []byte("partial-frame"))
	cut := len(stream) - 4

	d := NewDecoder(0)
	frames, err := d.Feed(stream[:cut])
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != "complete" {
		t.Fatalf("expected only the complete frame, got %q", frames)
	}
	if d.Buffered() == 0 {
		t.Fatal("expected partial bytes to be retained")
	}

	frames, err = d.Feed(stream[cut:])
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != "partial-frame" {
		t.Fatalf("expected the completed frame, got %q", frames)
	}
}

func TestDecoder_EmptyFeed(t *testing.T) {
	d := NewDecoder(0)
	frames, err := d.Feed(nil)
	if err != nil || len(frames) != 0 {
		t.Errorf("expected no frames and no error, got %d frames, err=%v", len(frames), err)
	}
}

func TestDecoder_FramesDoNotAliasBuffer(t *testing.T) {
	d := NewDecoder(0)
	frames, _ := d.Feed(buildStream([]byte("aaaa")))
	_, _ = d.Feed(buildStream([]byte("bbbb")))

	if string(frames[0]) != "aaaa" {
		t.Errorf("earlier frame was overwritten: %q", frames[0])
	}
}

func TestDecoder_FrameTooLarge(t *testing.T) {
	d := NewDecoder(16)
	stream := buildStream([]byte("ok"), bytes.Repeat([]byte("z"), 17))

	frames, err := d.Feed(stream)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != "ok" {
		t.Errorf("frames before the oversized one should still be returned, got %q", frames)
	}
	if d.Buffered() != 0 {
		t.Errorf("buffer should be discarded after an oversized prefix")
	}
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder(0)
	_, _ = d.Feed([]byte{0, 0, 0, 9, 'a'})
	d.Reset()
	frames, err := d.Feed(buildStream([]byte("fresh")))
	if err != nil || len(frames) != 1 || string(frames[0]) != "fresh" {
		t.Errorf("expected clean decode after reset, got %q err=%v", frames, err)
	}
}
