// Package render draws long replies onto a PNG so adapters can post them as
// a single image.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
	"unicode/utf8"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	defaultWidth   = 60
	defaultPadding = 12
)

// TextImage renders monospaced text with the built-in 7x13 face.
type TextImage struct {
	// Columns wraps lines longer than this many runes.
	Columns    int
	Padding    int
	Background color.Color
	Foreground color.Color
}

func NewTextImage(columns int) *TextImage {
	if columns <= 0 {
		columns = defaultWidth
	}
	return &TextImage{
		Columns:    columns,
		Padding:    defaultPadding,
		Background: color.White,
		Foreground: color.Black,
	}
}

func (r *TextImage) Render(text string) ([]byte, error) {
	face := basicfont.Face7x13
	lines := wrap(text, r.Columns)

	advance := face.Advance
	lineHeight := face.Height
	longest := 1
	for _, line := range lines {
		longest = max(longest, utf8.RuneCountInString(line))
	}

	width := longest*advance + 2*r.Padding
	height := len(lines)*lineHeight + 2*r.Padding

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(r.Background), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(r.Foreground),
		Face: face,
	}
	for i, line := range lines {
		drawer.Dot = fixed.P(r.Padding, r.Padding+face.Ascent+i*lineHeight)
		drawer.DrawString(line)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// wrap splits on newlines, then hard-wraps each line at columns runes.
func wrap(text string, columns int) []string {
	text = strings.ReplaceAll(text, "\t", "    ")
	var out []string
	for line := range strings.SplitSeq(text, "\n") {
		line = strings.TrimRight(line, "\r")
		runes := []rune(line)
		if len(runes) == 0 {
			out = append(out, "")
			continue
		}
		for len(runes) > columns {
			out = append(out, string(runes[:columns]))
			runes = runes[columns:]
		}
		out = append(out, string(runes))
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}
