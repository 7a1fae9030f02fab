package clip

import (
	"context"
	"errors"
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
)

type ONNXConfig struct {
	ImageModelPath string
	TextModelPath  string
	Tokenizer      *Tokenizer
	PoolSize       int
	Options        *ort.SessionOptions
}

type imageSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

type textSession struct {
	session *ort.AdvancedSession
	ids     *ort.Tensor[int64]
	mask    *ort.Tensor[int64]
	output  *ort.Tensor[float32]
}

// ONNXEncoder runs the exported CLIP vision and text towers. Each tower has PoolSize
// sessions with preallocated tensors; callers borrow one for the duration of a run.
type ONNXEncoder struct {
	tok    *Tokenizer
	dim    int
	images chan *imageSession
	texts  chan *textSession
	all    []interface{ destroy() }
}

func NewONNXEncoder(cfg ONNXConfig) (*ONNXEncoder, error) {
	if cfg.Tokenizer == nil {
		return nil, errors.New("tokenizer is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}

	imgIn, imgOut, err := ort.GetInputOutputInfo(cfg.ImageModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get image model input/output info: %w", err)
	}
	txtIn, txtOut, err := ort.GetInputOutputInfo(cfg.TextModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get text model input/output info: %w", err)
	}
	if len(imgIn) == 0 || len(txtIn) == 0 {
		return nil, errors.New("encoder models must declare inputs")
	}

	imgOutInfo := pickInfo(imgOut, "image_embeds")
	txtOutInfo := pickInfo(txtOut, "text_embeds")
	if imgOutInfo == nil || txtOutInfo == nil {
		return nil, errors.New("encoder models must declare outputs")
	}
	dim := int(lastDim(imgOutInfo.Dimensions))
	if dim <= 0 || int(lastDim(txtOutInfo.Dimensions)) != dim {
		return nil, fmt.Errorf("encoder output dims differ or are dynamic: image %v, text %v",
			imgOutInfo.Dimensions, txtOutInfo.Dimensions)
	}

	idsInfo := pickInfo(txtIn, "input_ids")
	maskInfo := pickInfo(txtIn, "attention_mask")
	if maskInfo != nil && maskInfo.Name == idsInfo.Name {
		maskInfo = nil
	}

	e := &ONNXEncoder{
		tok:    cfg.Tokenizer,
		dim:    dim,
		images: make(chan *imageSession, cfg.PoolSize),
		texts:  make(chan *textSession, cfg.PoolSize),
	}
	for range cfg.PoolSize {
		is, err := newImageSession(cfg, imgIn[0].Name, imgOutInfo.Name, dim)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.all = append(e.all, is)
		e.images <- is

		ts, err := newTextSession(cfg, idsInfo.Name, maskInfo, txtOutInfo.Name, dim)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.all = append(e.all, ts)
		e.texts <- ts
	}
	return e, nil
}

func pickInfo(infos []ort.InputOutputInfo, name string) *ort.InputOutputInfo {
	i := slices.IndexFunc(infos, func(info ort.InputOutputInfo) bool { return info.Name == name })
	if i >= 0 {
		return &infos[i]
	}
	if len(infos) > 0 {
		return &infos[0]
	}
	return nil
}

func lastDim(s ort.Shape) int64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

func newImageSession(cfg ONNXConfig, inputName, outputName string, dim int) (*imageSession, error) {
	input, err := ort.NewTensor(ort.NewShape(1, 3, ImageSize, ImageSize), make([]float32, 3*ImageSize*ImageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create image input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create image output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		cfg.ImageModelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{input},
		[]ort.Value{output},
		cfg.Options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create image session: %w", err)
	}
	return &imageSession{session: session, input: input, output: output}, nil
}

func newTextSession(cfg ONNXConfig, idsName string, maskInfo *ort.InputOutputInfo, outputName string, dim int) (*textSession, error) {
	ts := &textSession{}
	var err error
	ts.ids, err = ort.NewTensor(ort.NewShape(1, ContextLength), make([]int64, ContextLength))
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	names := []string{idsName}
	inputs := []ort.Value{ts.ids}
	if maskInfo != nil {
		ts.mask, err = ort.NewTensor(ort.NewShape(1, ContextLength), make([]int64, ContextLength))
		if err != nil {
			ts.destroy()
			return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
		}
		names = append(names, maskInfo.Name)
		inputs = append(inputs, ts.mask)
	}
	ts.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
	if err != nil {
		ts.destroy()
		return nil, fmt.Errorf("failed to create text output tensor: %w", err)
	}
	ts.session, err = ort.NewAdvancedSession(cfg.TextModelPath, names, []string{outputName}, inputs, []ort.Value{ts.output}, cfg.Options)
	if err != nil {
		ts.destroy()
		return nil, fmt.Errorf("failed to create text session: %w", err)
	}
	return ts, nil
}

func (s *imageSession) destroy() {
	s.session.Destroy()
	s.input.Destroy()
	s.output.Destroy()
}

func (s *textSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	for _, t := range []*ort.Tensor[int64]{s.ids, s.mask} {
		if t != nil {
			t.Destroy()
		}
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

func acquire[T any](ctx context.Context, pool chan T) (T, error) {
	select {
	case s := <-pool:
		return s, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (e *ONNXEncoder) Dim() int {
	return e.dim
}

func (e *ONNXEncoder) EncodeImage(ctx context.Context, pixels []float32) ([]float32, error) {
	if len(pixels) != 3*ImageSize*ImageSize {
		return nil, fmt.Errorf("expected %d pixels, got %d", 3*ImageSize*ImageSize, len(pixels))
	}
	s, err := acquire(ctx, e.images)
	if err != nil {
		return nil, err
	}
	defer func() { e.images <- s }()

	copy(s.input.GetData(), pixels)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("image encoder: %w", err)
	}
	return slices.Clone(s.output.GetData()), nil
}

func (e *ONNXEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	ids, mask := e.tok.Encode(text)
	s, err := acquire(ctx, e.texts)
	if err != nil {
		return nil, err
	}
	defer func() { e.texts <- s }()

	copy(s.ids.GetData(), ids)
	if s.mask != nil {
		copy(s.mask.GetData(), mask)
	}
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("text encoder: %w", err)
	}
	return slices.Clone(s.output.GetData()), nil
}

// Close releases every session. It must not race with Encode calls.
func (e *ONNXEncoder) Close() {
	for _, s := range e.all {
		s.destroy()
	}
	e.all = nil
}
