package onnx

import (
	"fmt"
	"os"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

// LibPath resolves the ONNX Runtime shared library. An explicit path wins; otherwise
// the usual install location for the current OS is used when it exists.
func LibPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	var candidates []string
	switch runtime.GOOS {
	case "linux":
		candidates = []string{
			"onnxlibs/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
	case "darwin":
		candidates = []string{"/usr/local/lib/libonnxruntime.dylib", "/opt/homebrew/lib/libonnxruntime.dylib"}
	case "windows":
		candidates = []string{"onnxruntime.dll"}
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Init loads the shared library and initializes the process-wide ONNX Runtime environment.
// The returned func tears it down.
func Init(libPath string, logger *zap.Logger) (func(), error) {
	path := LibPath(libPath)
	if path == "" {
		return nil, fmt.Errorf("onnx runtime library not found for %s", runtime.GOOS)
	}
	logger.Info("using onnx runtime library", zap.String("path", path))

	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnx runtime environment: %w", err)
	}
	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			logger.Warn("destroy onnx runtime environment", zap.Error(err))
		}
	}, nil
}

// NewSessionOptions builds session options for the requested device. With DeviceAuto the
// CUDA execution provider is tried first and CPU is used when it is unavailable.
// The second return value names the device actually selected.
func NewSessionOptions(device string, logger *zap.Logger) (*ort.SessionOptions, string, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("create session options: %w", err)
	}
	if device == DeviceCPU {
		return opts, DeviceCPU, nil
	}

	if err := appendCUDA(opts); err != nil {
		if device == DeviceCUDA {
			opts.Destroy()
			return nil, "", fmt.Errorf("cuda execution provider: %w", err)
		}
		logger.Info("cuda unavailable, running on cpu", zap.Error(err))
		return opts, DeviceCPU, nil
	}
	return opts, DeviceCUDA, nil
}

func appendCUDA(opts *ort.SessionOptions) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOpts.Destroy()
	if err := cudaOpts.Update(map[string]string{"device_id": "0"}); err != nil {
		return err
	}
	return opts.AppendExecutionProviderCUDA(cudaOpts)
}
