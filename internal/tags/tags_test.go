package tags

import (
	"reflect"
	"testing"

	"github.com/vflow/videogate/internal/keyutil"
	"github.com/vflow/videogate/internal/options"
)

func TestGenerateDerivative(t *testing.T) {
	got := Generate("videos/clips/sample.mp4", keyutil.ModeVideo, options.TransformOptions{Derivative: "mobile", Format: "mp4"}, false)
	want := []string{"vp-p-clips-sample.mp4", "vp-p-clips-sample.mp4-mobile", "vp-d-mobile", "vp-f-mp4"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGenerateModeTag(t *testing.T) {
	got := Generate("a/b.mp4", keyutil.ModeFrame, options.TransformOptions{Time: "5s"}, false)
	if !contains(got, "vp-m-frame") || !contains(got, "vp-t-5s") {
		t.Fatalf("expected mode and time tags, got %v", got)
	}
	for _, tag := range got {
		if tag == "vp-m-video" {
			t.Fatalf("video mode must never get a vp-m- tag")
		}
	}
}

func TestGenerateImqueryTag(t *testing.T) {
	got := Generate("a/b.mp4", keyutil.ModeVideo, options.TransformOptions{}, true)
	if !contains(got, "vp-imq") {
		t.Fatalf("expected vp-imq tag, got %v", got)
	}
}

func TestGenerateDeduplicated(t *testing.T) {
	got := Generate("a/a.mp4", keyutil.ModeVideo, options.TransformOptions{Derivative: "a"}, false)
	seen := map[string]bool{}
	for _, tag := range got {
		if seen[tag] {
			t.Fatalf("duplicate tag %q in %v", tag, got)
		}
		seen[tag] = true
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
