package clip

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

const (
	WeightsFile      = "model.safetensors"
	PreprocessorFile = "preprocessor_config.toml"

	tensorImageProj  = "image_projection.weight"
	tensorTextProj   = "text_projection.weight"
	tensorLogitScale = "logit_scale"
)

// PreprocessorConfig records how inputs must be prepared for a saved head.
type PreprocessorConfig struct {
	ImageSize     int        `toml:"image_size"`
	ImageMean     [3]float32 `toml:"image_mean"`
	ImageStd      [3]float32 `toml:"image_std"`
	Resample      string     `toml:"resample"`
	CenterCrop    bool       `toml:"center_crop"`
	ContextLength int        `toml:"context_length"`
	VocabFile     string     `toml:"vocab_file"`
	MergesFile    string     `toml:"merges_file"`
	EmbeddingDim  int        `toml:"embedding_dim"`
}

func DefaultPreprocessorConfig(dim int, vocabFile, mergesFile string) PreprocessorConfig {
	return PreprocessorConfig{
		ImageSize:     ImageSize,
		ImageMean:     ClipMean,
		ImageStd:      ClipStd,
		Resample:      "catmull-rom",
		CenterCrop:    true,
		ContextLength: ContextLength,
		VocabFile:     vocabFile,
		MergesFile:    mergesFile,
		EmbeddingDim:  dim,
	}
}

type tensorInfo struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// SaveSnapshot writes the head weights and preprocessing config into dir, replacing any previous snapshot.
// Each file is written to a temporary name first and renamed into place.
func SaveSnapshot(dir string, h *Head, pc PreprocessorConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	var weights bytes.Buffer
	if err := writeSafetensors(&weights, h); err != nil {
		return err
	}
	if err := replaceFile(filepath.Join(dir, WeightsFile), weights.Bytes()); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}

	cfg, err := toml.Marshal(pc)
	if err != nil {
		return fmt.Errorf("encode preprocessor config: %w", err)
	}
	if err := replaceFile(filepath.Join(dir, PreprocessorFile), cfg); err != nil {
		return fmt.Errorf("write preprocessor config: %w", err)
	}
	return nil
}

// LoadSnapshot reads a head previously written by SaveSnapshot.
func LoadSnapshot(dir string) (*Head, PreprocessorConfig, error) {
	var pc PreprocessorConfig
	data, err := os.ReadFile(filepath.Join(dir, PreprocessorFile))
	if err != nil {
		return nil, pc, fmt.Errorf("read preprocessor config: %w", err)
	}
	if err := toml.Unmarshal(data, &pc); err != nil {
		return nil, pc, fmt.Errorf("decode preprocessor config: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, pc, fmt.Errorf("open weights: %w", err)
	}
	defer f.Close()
	h, err := readSafetensors(f)
	if err != nil {
		return nil, pc, err
	}
	return h, pc, nil
}

func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeSafetensors(w io.Writer, h *Head) error {
	tensors := []struct {
		name  string
		shape []int
		data  []float32
	}{
		{tensorImageProj, []int{h.Dim, h.Dim}, h.ImageProj},
		{tensorTextProj, []int{h.Dim, h.Dim}, h.TextProj},
		{tensorLogitScale, []int{}, h.LogLogitScale[:]},
	}

	header := map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
	}
	offset := 0
	for _, t := range tensors {
		end := offset + 4*len(t.data)
		header[t.name] = tensorInfo{DType: "F32", Shape: t.shape, DataOffsets: [2]int{offset, end}}
		offset = end
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode safetensors header: %w", err)
	}
	// header length is padded to 8 bytes with spaces
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, t := range tensors {
		if err := binary.Write(w, binary.LittleEndian, t.data); err != nil {
			return err
		}
	}
	return nil
}

func readSafetensors(r io.Reader) (*Head, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read safetensors header size: %w", err)
	}
	if n > 1<<24 {
		return nil, fmt.Errorf("safetensors header too large: %d", n)
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("read safetensors header: %w", err)
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, fmt.Errorf("decode safetensors header: %w", err)
	}
	delete(raw, "__metadata__")

	infos := make(map[string]tensorInfo, len(raw))
	names := make([]string, 0, len(raw))
	for name, msg := range raw {
		var ti tensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, fmt.Errorf("decode tensor %s: %w", name, err)
		}
		if ti.DType != "F32" {
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, ti.DType)
		}
		infos[name] = ti
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return infos[names[i]].DataOffsets[0] < infos[names[j]].DataOffsets[0]
	})

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read safetensors body: %w", err)
	}
	values := make(map[string][]float32, len(names))
	for _, name := range names {
		off := infos[name].DataOffsets
		if off[0] < 0 || off[1] > len(body) || off[0] > off[1] || (off[1]-off[0])%4 != 0 {
			return nil, fmt.Errorf("tensor %s: bad offsets %v", name, off)
		}
		chunk := body[off[0]:off[1]]
		vals := make([]float32, len(chunk)/4)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[i*4:]))
		}
		values[name] = vals
	}

	img, txt, scale := values[tensorImageProj], values[tensorTextProj], values[tensorLogitScale]
	if img == nil || txt == nil || len(scale) != 1 {
		return nil, errors.New("safetensors: missing head tensors")
	}
	dim := infos[tensorImageProj].Shape
	if len(dim) != 2 || dim[0] != dim[1] || len(img) != dim[0]*dim[1] || len(txt) != len(img) {
		return nil, fmt.Errorf("safetensors: bad projection shape %v", dim)
	}
	h := &Head{Dim: dim[0], ImageProj: img, TextProj: txt}
	h.LogLogitScale[0] = scale[0]
	return h, nil
}
