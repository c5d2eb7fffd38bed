package sign

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/digitorus/signserver/fonts"
)

func testPNG(t testing.TB, width, height int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.NRGBA{R: 200, G: uint8(x), B: uint8(y), A: 128})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func TestAppearanceLines(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		want  []string
	}{
		{
			name:  "signer only",
			field: Field{SignerName: "John Doe"},
			want:  []string{"Signed by John Doe"},
		},
		{
			name:  "no signer name",
			field: Field{Reason: "Approved"},
			want:  []string{"Digitally signed", "Reason: Approved"},
		},
		{
			name:  "all lines",
			field: Field{SignerName: "John Doe", Reason: "Approved", Location: "Utrecht"},
			want:  []string{"Signed by John Doe", "Reason: Approved", "Location: Utrecht"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			context := &SignContext{Options: PrepareOptions{Field: tt.field}}
			got := context.appearanceLines()
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("appearanceLines() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComputeTextSize(t *testing.T) {
	lines := []string{"Signed by John Doe", "Reason: Approved"}

	size := computeTextSize(lines, 200, 50)
	if size <= 0 {
		t.Fatalf("expected a positive font size, got %f", size)
	}
	if size*1.2*float64(len(lines)) > 50 {
		t.Errorf("font size %f does not fit the height", size)
	}
	if width := fonts.Helvetica().StringWidth(lines[0], size); width > 200*0.9+0.001 {
		t.Errorf("font size %f does not fit the width", size)
	}

	if narrow := computeTextSize(lines, 50, 50); narrow >= size {
		t.Errorf("a narrower rectangle must get a smaller font, got %f >= %f", narrow, size)
	}
}

func TestPDFLatinString(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Signed by Jane", "(Signed by Jane)"},
		{"(nested)", "(\\(nested\\))"},
		{"back\\slash", "(back\\\\slash)"},
		{"Zürich", "(Z\xfcrich)"},
		{"東京 office", "(?? office)"},
	}

	for _, tt := range tests {
		if got := pdfLatinString(tt.input); got != tt.want {
			t.Errorf("pdfLatinString(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestEncodeAppearanceImage(t *testing.T) {
	t.Run("small image keeps its size", func(t *testing.T) {
		data, width, height, err := encodeAppearanceImage(testPNG(t, 120, 40))
		if err != nil {
			t.Fatalf("encodeAppearanceImage() error = %v", err)
		}
		if width != 120 || height != 40 {
			t.Errorf("size = %dx%d, want 120x40", width, height)
		}

		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("result is not a JPEG: %v", err)
		}
		if img.Bounds().Dx() != 120 || img.Bounds().Dy() != 40 {
			t.Errorf("JPEG size = %v", img.Bounds())
		}
	})

	t.Run("large image is scaled down", func(t *testing.T) {
		_, width, height, err := encodeAppearanceImage(testPNG(t, 2048, 512))
		if err != nil {
			t.Fatalf("encodeAppearanceImage() error = %v", err)
		}
		if width != maxImagePixels || height != 256 {
			t.Errorf("size = %dx%d, want %dx256", width, height, maxImagePixels)
		}
	})

	t.Run("invalid data", func(t *testing.T) {
		if _, _, _, err := encodeAppearanceImage([]byte("GIF89a broken")); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestCreateImageXObject(t *testing.T) {
	object := string(createImageXObject([]byte{0xff, 0xd8, 0xff, 0xd9}, 10, 20))

	for _, want := range []string{"/Subtype /Image", "/Width 10", "/Height 20", "/Filter /DCTDecode", "/Length 4", "stream\n\xff\xd8\xff\xd9\nendstream"} {
		if !strings.Contains(object, want) {
			t.Errorf("image object does not contain %q:\n%s", want, object)
		}
	}
}
