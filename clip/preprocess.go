package clip

import (
	"image"

	"github.com/disintegration/imaging"
)

// ToRGB returns img as an origin-anchored NRGBA bitmap, copying only when it is not one already.
// Alpha is kept in the buffer but ignored by Preprocess, so channel order is always R, G, B.
func ToRGB(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	return imaging.Clone(img)
}

// Preprocess resizes the shortest side to ImageSize, center crops, and returns CLIP-normalized CHW pixels.
func Preprocess(img image.Image) []float32 {
	rgb := imaging.Fill(img, ImageSize, ImageSize, imaging.Center, imaging.CatmullRom)

	out := make([]float32, 3*ImageSize*ImageSize)
	rBase := 0
	gBase := ImageSize * ImageSize
	bBase := 2 * ImageSize * ImageSize

	for y := range ImageSize {
		row := rgb.Pix[y*rgb.Stride:]
		for x := range ImageSize {
			px := row[x*4 : x*4+3]
			out[rBase] = (float32(px[0])/255.0 - ClipMean[0]) / ClipStd[0]
			out[gBase] = (float32(px[1])/255.0 - ClipMean[1]) / ClipStd[1]
			out[bBase] = (float32(px[2])/255.0 - ClipMean[2]) / ClipStd[2]

			rBase++
			gBase++
			bBase++
		}
	}
	return out
}
