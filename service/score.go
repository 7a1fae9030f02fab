package service

import "math"

// Score maps each keyword to the cosine similarity between the image embedding and its text
// embedding. Duplicate keywords keep the score of their last occurrence.
func Score(image []float32, texts [][]float32, keywords []string) map[string]float32 {
	scores := make(map[string]float32, len(keywords))
	for i, kw := range keywords {
		if i >= len(texts) {
			break
		}
		scores[kw] = cosine(image, texts[i])
	}
	return scores
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / math.Sqrt(na*nb)
	return float32(max(-1, min(1, c)))
}
