package clip

import (
	"fmt"
	"math"
)

// Head holds the fine-tuned weights: square projections applied to the frozen image and
// text features, and the log of the logit temperature.
type Head struct {
	Dim           int
	ImageProj     []float32 // Dim x Dim, row-major
	TextProj      []float32 // Dim x Dim, row-major
	LogLogitScale [1]float32
}

// NewHead returns identity projections, so a fresh head reproduces the pretrained similarities.
func NewHead(dim int, logitScale float64) *Head {
	h := &Head{
		Dim:       dim,
		ImageProj: make([]float32, dim*dim),
		TextProj:  make([]float32, dim*dim),
	}
	for i := range dim {
		h.ImageProj[i*dim+i] = 1
		h.TextProj[i*dim+i] = 1
	}
	h.LogLogitScale[0] = float32(math.Log(logitScale))
	return h
}

func (h *Head) Clone() *Head {
	c := &Head{
		Dim:           h.Dim,
		ImageProj:     append([]float32(nil), h.ImageProj...),
		TextProj:      append([]float32(nil), h.TextProj...),
		LogLogitScale: h.LogLogitScale,
	}
	return c
}

func (h *Head) LogitScale() float64 {
	return math.Exp(float64(h.LogLogitScale[0]))
}

func (h *Head) params() [][]float32 {
	return [][]float32{h.ImageProj, h.TextProj, h.LogLogitScale[:]}
}

// Forward projects and normalizes the features and computes logits for one image against every text.
func (h *Head) Forward(f Features) (*Output, error) {
	if len(f.Texts) == 0 {
		return nil, ErrEmptyInput
	}
	if len(f.Image) != h.Dim {
		return nil, fmt.Errorf("%w: image %d, head %d", ErrDimMismatch, len(f.Image), h.Dim)
	}

	img, _ := project(h.ImageProj, f.Image)
	out := &Output{
		ImageEmbeds:    [][]float32{toFloat32(img)},
		TextEmbeds:     make([][]float32, len(f.Texts)),
		LogitsPerImage: [][]float32{make([]float32, len(f.Texts))},
	}
	scale := h.LogitScale()
	for i, t := range f.Texts {
		if len(t) != h.Dim {
			return nil, fmt.Errorf("%w: text %d, head %d", ErrDimMismatch, len(t), h.Dim)
		}
		txt, _ := project(h.TextProj, t)
		out.TextEmbeds[i] = toFloat32(txt)
		out.LogitsPerImage[0][i] = float32(scale * dot(img, txt))
	}
	return out, nil
}

// Loss is the squared error between the single image-text logit and target.
func (h *Head) Loss(image, text []float32, target float64) (float64, error) {
	out, err := h.Forward(Features{Image: image, Texts: [][]float32{text}})
	if err != nil {
		return 0, err
	}
	d := float64(out.LogitsPerImage[0][0]) - target
	return d * d, nil
}

// TrainStep runs forward, backward and one optimizer update for a single image-text pair.
// It returns the loss measured before the update.
func (h *Head) TrainStep(opt *AdamW, image, text []float32, target float64) (float64, error) {
	if len(image) != h.Dim || len(text) != h.Dim {
		return 0, fmt.Errorf("%w: image %d, text %d, head %d", ErrDimMismatch, len(image), len(text), h.Dim)
	}

	u, nu := project(h.ImageProj, image)
	v, nv := project(h.TextProj, text)
	c := dot(u, v)
	scale := h.LogitScale()
	logit := scale * c
	loss := (logit - target) * (logit - target)

	grads := [][]float32{
		make([]float32, len(h.ImageProj)),
		make([]float32, len(h.TextProj)),
		make([]float32, 1),
	}

	g := 2 * (logit - target)
	grads[2][0] = float32(g * logit)

	if nu > 0 && nv > 0 {
		gc := g * scale
		for i := range h.Dim {
			gu := gc * (v[i] - c*u[i]) / nu
			gv := gc * (u[i] - c*v[i]) / nv
			for j := range h.Dim {
				grads[0][i*h.Dim+j] = float32(gu * float64(image[j]))
				grads[1][i*h.Dim+j] = float32(gv * float64(text[j]))
			}
		}
	}

	opt.Step(h.params(), grads)
	return loss, nil
}

// project returns normalize(W x) and |W x|.
func project(w, x []float32) ([]float64, float64) {
	n := len(x)
	out := make([]float64, n)
	var sum float64
	for i := range n {
		var acc float64
		row := w[i*n : (i+1)*n]
		for j, xv := range x {
			acc += float64(row[j]) * float64(xv)
		}
		out[i] = acc
		sum += acc * acc
	}
	norm := math.Sqrt(sum)
	if norm > 0 {
		for i := range out {
			out[i] /= norm
		}
	}
	return out, norm
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
