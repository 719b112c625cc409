package media

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestDetect(t *testing.T) {
	cases := map[string]Type{
		"/a/IMG_0001.JPG": TypeImage,
		"/a/clip.mov":     TypeVideo,
		"/a/notes.txt":    TypeOther,
		"/a/noext":        TypeOther,
		"/a/raw.NEF":      TypeImage,
	}
	for p, want := range cases {
		if got := Detect(p); got != want {
			t.Errorf("Detect(%q) = %s, want %s", p, got, want)
		}
	}
}

func TestFilterAllows(t *testing.T) {
	if !FilterImages.Allows("x.jpg") || FilterImages.Allows("x.mp4") {
		t.Error("images filter")
	}
	if !FilterVideos.Allows("x.mp4") || FilterVideos.Allows("x.png") {
		t.Error("videos filter")
	}
	if !FilterAll.Allows("x.mp4") || !FilterAll.Allows("x.png") || FilterAll.Allows("x.txt") {
		t.Error("all filter")
	}
}

func TestParseFilter(t *testing.T) {
	if f, err := ParseFilter("VIDEOS"); err != nil || f != FilterVideos {
		t.Errorf("ParseFilter(VIDEOS) = %q, %v", f, err)
	}
	if f, err := ParseFilter(""); err != nil || f != FilterAll {
		t.Errorf("ParseFilter(\"\") = %q, %v", f, err)
	}
	if _, err := ParseFilter("docs"); err == nil {
		t.Error("expected error")
	}
}

func TestExtractImageMetaDimensions(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 12, 7))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "tiny.png")
	if err := os.WriteFile(p, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	meta, err := ExtractImageMeta(p)
	if err != nil {
		t.Fatalf("ExtractImageMeta: %v", err)
	}
	if meta.Width != 12 || meta.Height != 7 {
		t.Errorf("dimensions = %dx%d, want 12x7", meta.Width, meta.Height)
	}
}

func TestExtractImageMetaCorruptHeader(t *testing.T) {
	p := filepath.Join(t.TempDir(), "broken.jpg")
	if err := os.WriteFile(p, []byte("definitely not a jpeg"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := ExtractImageMeta(p)
	if !errors.Is(err, ErrUndecodable) {
		t.Fatalf("err = %v, want ErrUndecodable", err)
	}
}
