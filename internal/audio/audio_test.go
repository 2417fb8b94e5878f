package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 320)
	out, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if len(out) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(out), 44+len(pcm))
	}
	if !bytes.Equal(out[0:4], []byte("RIFF")) || !bytes.Equal(out[8:12], []byte("WAVE")) {
		t.Fatalf("missing RIFF/WAVE markers: %q", out[:12])
	}
	if got := binary.LittleEndian.Uint32(out[24:28]); got != 16000 {
		t.Fatalf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(out[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
}

func TestEncodeWAVRejectsPartialFrame(t *testing.T) {
	if _, err := EncodeWAV([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatalf("expected error for odd-length pcm")
	}
}

func TestSelectMediaTypeFallsBack(t *testing.T) {
	mt, ok := SelectMediaType(PreferredMediaTypes, func(m string) bool { return m == MediaWAV })
	if !ok || mt != MediaWAV {
		t.Fatalf("SelectMediaType() = %q, %v, want %q, true", mt, ok, MediaWAV)
	}
	mt, ok = SelectMediaType(PreferredMediaTypes, func(string) bool { return true })
	if !ok || mt != MediaWebM {
		t.Fatalf("SelectMediaType() = %q, %v, want primary %q", mt, ok, MediaWebM)
	}
	if _, ok := SelectMediaType(PreferredMediaTypes, func(string) bool { return false }); ok {
		t.Fatalf("SelectMediaType() should fail when nothing is supported")
	}
}

func TestExtensionRoundTrip(t *testing.T) {
	for _, mt := range []string{MediaWebM, MediaWAV, MediaOGG} {
		if got := MediaTypeForFilename("recording" + ExtensionFor(mt)); got != mt {
			t.Fatalf("MediaTypeForFilename(ExtensionFor(%q)) = %q", mt, got)
		}
	}
	if got := ExtensionFor("audio/webm;codecs=opus"); got != ".webm" {
		t.Fatalf("ExtensionFor with codecs = %q, want .webm", got)
	}
}

func TestTonePCM16LELength(t *testing.T) {
	pcm := TonePCM16LE(440, 8000, 250*time.Millisecond)
	if len(pcm) != 8000/4*2 {
		t.Fatalf("len = %d, want %d", len(pcm), 8000/4*2)
	}
}
