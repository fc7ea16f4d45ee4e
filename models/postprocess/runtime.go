package postprocess

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// SharedLibName returns the onnxruntime library file name for the current
// platform.
func SharedLibName(goos, goarch string) (string, error) {
	switch goos {
	case "windows":
		if goarch == "amd64" {
			return "onnxruntime.dll", nil
		}
	case "darwin":
		return "libonnxruntime.dylib", nil
	case "linux":
		if goarch == "arm64" {
			return "onnxruntime_arm64.so", nil
		}
		return "onnxruntime.so", nil
	}
	return "", errors.Errorf("no onnxruntime library for %s/%s", goos, goarch)
}

// InitRuntime loads the onnxruntime shared library from dir. It is a no-op
// when the environment is already initialised, and must be called before
// BatchedOutput.Tensors.
func InitRuntime(dir string) error {
	if ort.IsInitialized() {
		return nil
	}
	name, err := SharedLibName(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}
	libPath := filepath.Join(dir, name)
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "error initializing ORT environment")
	}
	return nil
}

// DestroyRuntime releases the onnxruntime environment.
func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return errors.Wrap(ort.DestroyEnvironment(), "error destroying ORT environment")
}
