package keyutil

import "testing"

func TestBaseKeyDerivative(t *testing.T) {
	got := BaseKey(ModeVideo, "/videos/sample.mp4", Options{Derivative: "mobile"})
	want := "video:videos/sample.mp4:derivative=mobile"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBaseKeyFixedOrder(t *testing.T) {
	a := BaseKey(ModeVideo, "clip.mp4", Options{Width: 640, Height: 480, Format: "mp4", Quality: "high", Compression: "lo"})
	b := BaseKey(ModeVideo, "clip.mp4", Options{Compression: "lo", Quality: "high", Format: "mp4", Height: 480, Width: 640})
	if a != b {
		t.Fatalf("key must be independent of struct field order: %q != %q", a, b)
	}
	want := "video:clip.mp4:w=640:h=480:f=mp4:q=high:c=lo"
	if a != want {
		t.Fatalf("got %q, want %q", a, want)
	}
}

func TestBaseKeyModeSpecific(t *testing.T) {
	got := BaseKey(ModeSpritesheet, "sheet.mp4", Options{Cols: 4, Rows: 3, Interval: "10s"})
	want := "spritesheet:sheet.mp4:cols=4:rows=3:interval=10s"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBaseKeyPathNormalization(t *testing.T) {
	got := BaseKey(ModeVideo, "///videos//sample.mp4", Options{Derivative: "mobile"})
	want := "video:videos/sample.mp4:derivative=mobile"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBaseKeySanitization(t *testing.T) {
	got := BaseKey(ModeVideo, "videos/sa mple!.mp4", Options{Derivative: "mobile"})
	want := "video:videos/sa-mple-.mp4:derivative=mobile"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestChunkKey(t *testing.T) {
	if got := ChunkKey("video:a:derivative=mobile", 3); got != "video:a:derivative=mobile_chunk_3" {
		t.Fatalf("unexpected chunk key: %q", got)
	}
}

func TestBaseKeyDeterministic(t *testing.T) {
	opts := Options{Width: 1920, Height: 1080, Format: "mp4"}
	k1 := BaseKey(ModeVideo, "videos/big.mp4", opts)
	k2 := BaseKey(ModeVideo, "videos/big.mp4", opts)
	if k1 != k2 {
		t.Fatalf("BaseKey is not deterministic: %q != %q", k1, k2)
	}
}
