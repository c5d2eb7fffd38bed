// Package fonts provides glyph metrics of the standard PDF fonts used in
// signature appearances, so text can be sized without embedding a font.
package fonts

// Metrics holds the advance widths of a simple font in 1/1000 em.
type Metrics struct {
	// Name is the PostScript name of the font.
	Name string

	first        rune
	widths       []int
	defaultWidth int
}

// helveticaWidths are the AFM widths of Helvetica for U+0020 to U+007E.
var helveticaWidths = []int{
	278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333, 278, 278, // space to /
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 278, 278, 584, 584, 584, 556, // 0 to ?
	1015, 667, 667, 722, 722, 667, 611, 778, 722, 278, 500, 667, 556, 833, 722, 778, // @ to O
	667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, 278, 278, 278, 469, 556, // P to _
	333, 556, 556, 500, 556, 556, 278, 556, 556, 222, 222, 500, 222, 833, 556, 556, // ` to o
	556, 556, 333, 500, 278, 556, 500, 722, 500, 500, 500, 334, 260, 334, 584, // p to ~
}

var helvetica = &Metrics{
	Name:         "Helvetica",
	first:        ' ',
	widths:       helveticaWidths,
	defaultWidth: 556,
}

// Helvetica returns the metrics of the standard Helvetica font.
func Helvetica() *Metrics {
	return helvetica
}

// GlyphWidth returns the width of r in 1/1000 em. Runes outside of the
// table get the width of an average lowercase letter.
func (m *Metrics) GlyphWidth(r rune) int {
	if i := int(r - m.first); i >= 0 && i < len(m.widths) {
		return m.widths[i]
	}
	return m.defaultWidth
}

// StringWidth returns the width of text in points at fontSize.
func (m *Metrics) StringWidth(text string, fontSize float64) float64 {
	total := 0
	for _, r := range text {
		total += m.GlyphWidth(r)
	}
	return float64(total) * fontSize / 1000
}
