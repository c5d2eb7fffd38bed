package sign

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register GIF format
	"image/jpeg"
	_ "image/png" // register PNG format

	_ "golang.org/x/image/bmp" // register BMP format
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP format

	"github.com/digitorus/signserver/fonts"
)

// maxImagePixels bounds the longest side of an embedded appearance image.
const maxImagePixels = 1024

func (context *SignContext) createAppearance(rect Rect) ([]byte, error) {
	if len(context.Options.Field.Image) > 0 {
		return context.createImageAppearance(rect)
	}
	return context.createTextAppearance(rect)
}

// writeAppearanceHeader writes the header for the appearance stream.
//
// Should be closed by writeFormTypeAndLength.
func writeAppearanceHeader(buffer *bytes.Buffer, rectWidth, rectHeight float64) {
	buffer.WriteString("<<\n")
	buffer.WriteString("  /Type /XObject\n")
	buffer.WriteString("  /Subtype /Form\n")
	fmt.Fprintf(buffer, "  /BBox [0 0 %s %s]\n", pdfNumber(rectWidth), pdfNumber(rectHeight))
	buffer.WriteString("  /Matrix [1 0 0 1 0 0]\n")
}

func createFontResource(buffer *bytes.Buffer) {
	buffer.WriteString("   /Font <<\n")
	buffer.WriteString("     /F1 <<\n")
	buffer.WriteString("       /Type /Font\n")
	buffer.WriteString("       /Subtype /Type1\n")
	buffer.WriteString("       /BaseFont /Helvetica\n")
	buffer.WriteString("       /Encoding /WinAnsiEncoding\n")
	buffer.WriteString("     >>\n")
	buffer.WriteString("   >>\n")
}

func createImageResource(buffer *bytes.Buffer, imageObjectID uint32) {
	buffer.WriteString("   /XObject <<\n")
	fmt.Fprintf(buffer, "     /Im1 %s\n", pdfReference(imageObjectID, 0))
	buffer.WriteString("   >>\n")
}

func writeFormTypeAndLength(buffer *bytes.Buffer, streamLength int) {
	buffer.WriteString("  /FormType 1\n")
	fmt.Fprintf(buffer, "  /Length %d\n", streamLength)
	buffer.WriteString(">>\n")
}

func writeBufferStream(buffer *bytes.Buffer, stream []byte) {
	buffer.WriteString("stream\n")
	buffer.Write(stream)
	buffer.WriteString("\nendstream")
}

// appearanceLines returns the text drawn into a visible signature without an image.
func (context *SignContext) appearanceLines() []string {
	field := context.Options.Field
	lines := []string{"Signed by " + field.SignerName}
	if field.SignerName == "" {
		lines[0] = "Digitally signed"
	}
	if field.Reason != "" {
		lines = append(lines, "Reason: "+field.Reason)
	}
	if field.Location != "" {
		lines = append(lines, "Location: "+field.Location)
	}
	return lines
}

// computeTextSize returns a font size at which every line fits the rectangle.
func computeTextSize(lines []string, rectWidth, rectHeight float64) float64 {
	metrics := fonts.Helvetica()
	widest := 0.0
	for _, line := range lines {
		widest = max(widest, metrics.StringWidth(line, 1))
	}

	fontSize := rectHeight * 0.8 / float64(max(len(lines), 1))
	if widest > 0 && widest*fontSize > rectWidth*0.9 {
		fontSize = rectWidth * 0.9 / widest
	}
	return fontSize
}

func drawText(buffer *bytes.Buffer, lines []string, fontSize, rectWidth, rectHeight float64) {
	leading := fontSize * 1.2
	blockHeight := leading * float64(len(lines))
	x := rectWidth * 0.05
	y := (rectHeight+blockHeight)/2 - fontSize

	buffer.WriteString("q\n")
	buffer.WriteString("BT\n")
	fmt.Fprintf(buffer, "/F1 %.2f Tf\n", fontSize)
	fmt.Fprintf(buffer, "%.2f TL\n", leading)
	buffer.WriteString("0.2 0.2 0.6 rg\n")
	fmt.Fprintf(buffer, "%.2f %.2f Td\n", x, y)
	for i, line := range lines {
		if i > 0 {
			buffer.WriteString("T*\n")
		}
		fmt.Fprintf(buffer, "%s Tj\n", pdfLatinString(line))
	}
	buffer.WriteString("ET\n")
	buffer.WriteString("Q\n")
}

// pdfLatinString writes text for a simple font, replacing what WinAnsi cannot show.
func pdfLatinString(text string) string {
	latin := make([]byte, 0, len(text)+2)
	latin = append(latin, '(')
	for _, r := range text {
		switch {
		case r == '\\' || r == '(' || r == ')':
			latin = append(latin, '\\', byte(r))
		case r > 0xff:
			latin = append(latin, '?')
		default:
			latin = append(latin, byte(r))
		}
	}
	return string(append(latin, ')'))
}

func drawImage(buffer *bytes.Buffer, x, y, width, height float64) {
	buffer.WriteString("q\n")
	fmt.Fprintf(buffer, "%.2f 0 0 %.2f %.2f %.2f cm\n", width, height, x, y)
	buffer.WriteString("/Im1 Do\n")
	buffer.WriteString("Q\n")
}

func (context *SignContext) createTextAppearance(rect Rect) ([]byte, error) {
	rectWidth, rectHeight := rect.Width(), rect.Height()
	if rectWidth < 1 || rectHeight < 1 {
		return nil, fmt.Errorf("%w: width %.2f and height %.2f must be at least 1", ErrInvalidRect, rectWidth, rectHeight)
	}

	lines := context.appearanceLines()
	fontSize := computeTextSize(lines, rectWidth, rectHeight)

	var stream bytes.Buffer
	drawText(&stream, lines, fontSize, rectWidth, rectHeight)

	var appearance bytes.Buffer
	writeAppearanceHeader(&appearance, rectWidth, rectHeight)

	appearance.WriteString("  /Resources <<\n")
	createFontResource(&appearance)
	appearance.WriteString("  >>\n")

	writeFormTypeAndLength(&appearance, stream.Len())
	writeBufferStream(&appearance, stream.Bytes())

	return appearance.Bytes(), nil
}

func (context *SignContext) createImageAppearance(rect Rect) ([]byte, error) {
	rectWidth, rectHeight := rect.Width(), rect.Height()
	if rectWidth < 1 || rectHeight < 1 {
		return nil, fmt.Errorf("%w: width %.2f and height %.2f must be at least 1", ErrInvalidRect, rectWidth, rectHeight)
	}

	jpegData, width, height, err := encodeAppearanceImage(context.Options.Field.Image)
	if err != nil {
		return nil, err
	}

	imageObjectID, err := context.addObject(createImageXObject(jpegData, width, height))
	if err != nil {
		return nil, fmt.Errorf("failed to add image object: %w", err)
	}

	// Fit the image into the rectangle keeping its aspect ratio.
	scale := rectWidth / float64(width)
	if s := rectHeight / float64(height); s < scale {
		scale = s
	}
	drawWidth, drawHeight := float64(width)*scale, float64(height)*scale

	var stream bytes.Buffer
	drawImage(&stream, (rectWidth-drawWidth)/2, (rectHeight-drawHeight)/2, drawWidth, drawHeight)

	var appearance bytes.Buffer
	writeAppearanceHeader(&appearance, rectWidth, rectHeight)

	appearance.WriteString("  /Resources <<\n")
	createImageResource(&appearance, imageObjectID)
	appearance.WriteString("  >>\n")

	writeFormTypeAndLength(&appearance, stream.Len())
	writeBufferStream(&appearance, stream.Bytes())

	return appearance.Bytes(), nil
}

func createImageXObject(jpegData []byte, width, height int) []byte {
	var imageObject bytes.Buffer

	imageObject.WriteString("<<\n")
	imageObject.WriteString("  /Type /XObject\n")
	imageObject.WriteString("  /Subtype /Image\n")
	fmt.Fprintf(&imageObject, "  /Width %d\n", width)
	fmt.Fprintf(&imageObject, "  /Height %d\n", height)
	imageObject.WriteString("  /ColorSpace /DeviceRGB\n")
	imageObject.WriteString("  /BitsPerComponent 8\n")
	imageObject.WriteString("  /Filter /DCTDecode\n")
	fmt.Fprintf(&imageObject, "  /Length %d\n", len(jpegData))
	imageObject.WriteString(">>\n")

	writeBufferStream(&imageObject, jpegData)

	return imageObject.Bytes()
}

// encodeAppearanceImage decodes a PNG, JPEG, GIF, BMP or WebP image, flattens
// transparency onto white, limits its size and re-encodes it as a baseline
// RGB JPEG that can be embedded with DCTDecode.
func encodeAppearanceImage(data []byte) ([]byte, int, int, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode signature image: %w", err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, 0, 0, fmt.Errorf("signature image is empty")
	}
	if longest := max(width, height); longest > maxImagePixels {
		width = max(1, width*maxImagePixels/longest)
		height = max(1, height*maxImagePixels/longest)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode signature image: %w", err)
	}

	return out.Bytes(), width, height, nil
}
