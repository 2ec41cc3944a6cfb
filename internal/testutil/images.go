// Package testutil builds image payloads for tests. The payloads carry a real
// encoded image followed by filler so their size can be chosen freely while
// content sniffing still sees a genuine signature.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
)

// PNG returns a payload of exactly size bytes (or larger, if the encoded
// image alone exceeds size) that sniffs as image/png.
func PNG(size int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, tile(color.RGBA{R: 200, A: 255})); err != nil {
		panic(err)
	}
	return pad(buf.Bytes(), size)
}

// JPEG is the image/jpeg counterpart of PNG.
func JPEG(size int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, tile(color.RGBA{B: 200, A: 255}), nil); err != nil {
		panic(err)
	}
	return pad(buf.Bytes(), size)
}

// PDF returns a payload that sniffs as application/pdf.
func PDF(size int) []byte {
	return pad([]byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<< /Type /Catalog >>\nendobj\n"), size)
}

func tile(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func pad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out, b)
	r := rand.New(rand.NewSource(int64(size)))
	_, _ = r.Read(out[len(b):])
	return out
}
