// Package testfixtures builds synthetic pages and documents for tests.
package testfixtures

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// WhitePage returns an opaque white RGBA image
func WhitePage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	return img
}

// TextPage renders lines of black 7x13 text on white, enlarged by scale
func TextPage(scale int, lines ...string) *image.RGBA {
	longest := 0
	for _, l := range lines {
		longest = max(longest, len(l))
	}
	small := WhitePage(16+longest*7, 12+len(lines)*16)
	d := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
	}
	for i, l := range lines {
		d.Dot = fixed.P(8, 18+i*16)
		d.DrawString(l)
	}
	if scale <= 1 {
		return small
	}

	b := small.Bounds()
	big := image.NewRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	for y := 0; y < big.Bounds().Dy(); y++ {
		for x := 0; x < big.Bounds().Dx(); x++ {
			big.Set(x, y, small.At(x/scale, y/scale))
		}
	}
	return big
}

// PNG encodes img
func PNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ScanPDF builds a PDF with one JPEG-scanned page per image. Each page is
// sized at pointsPerPixel points per image pixel.
func ScanPDF(pointsPerPixel float64, pages ...image.Image) []byte {
	// object 1 is the catalog, 2 the page tree, then page/content/image
	// triples
	objects := [][]byte{
		[]byte("<< /Type /Catalog /Pages 2 0 R >>"),
		nil,
	}

	kids := &bytes.Buffer{}
	for i, img := range pages {
		pageObj := 3 + 3*i
		contentObj, imageObj := pageObj+1, pageObj+2
		fmt.Fprintf(kids, "%d 0 R ", pageObj)

		b := img.Bounds()
		w := float64(b.Dx()) * pointsPerPixel
		h := float64(b.Dy()) * pointsPerPixel

		var jpg bytes.Buffer
		if err := jpeg.Encode(&jpg, img, &jpeg.Options{Quality: 95}); err != nil {
			panic(err)
		}

		content := fmt.Sprintf("q %.2f 0 0 %.2f 0 0 cm /Im1 Do Q", w, h)
		objects = append(objects,
			[]byte(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %.2f %.2f] "+
				"/Resources << /XObject << /Im1 %d 0 R >> >> /Contents %d 0 R >>", w, h, imageObj, contentObj)),
			[]byte(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content)),
			append([]byte(fmt.Sprintf("<< /Type /XObject /Subtype /Image /Width %d /Height %d "+
				"/ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode /Length %d >>\nstream\n",
				b.Dx(), b.Dy(), jpg.Len())), append(jpg.Bytes(), []byte("\nendstream")...)...),
		)
	}
	objects[1] = []byte(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", bytes.TrimSpace(kids.Bytes()), len(pages)))

	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n", i+1)
		out.Write(body)
		out.WriteString("\nendobj\n")
	}

	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n", len(objects)+1)
	out.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return out.Bytes()
}
