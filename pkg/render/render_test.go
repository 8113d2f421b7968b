package render

import (
	"bytes"
	"image/png"
	"testing"
)

func TestRenderProducesPNG(t *testing.T) {
	r := NewTextImage(10)

	data, err := r.Render("first line\nsecond line is longer than ten")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}

	bounds := img.Bounds()
	// 10 columns of 7px plus padding; four wrapped lines of 13px plus padding.
	if bounds.Dx() != 10*7+2*defaultPadding {
		t.Fatalf("width = %d", bounds.Dx())
	}
	if bounds.Dy() != 4*13+2*defaultPadding {
		t.Fatalf("height = %d", bounds.Dy())
	}
}

func TestWrap(t *testing.T) {
	got := wrap("abcdef\n\nxy", 4)
	want := []string{"abcd", "ef", "", "xy"}
	if len(got) != len(want) {
		t.Fatalf("wrap() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wrap()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
