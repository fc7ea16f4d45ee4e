// Package images - Decoding images and building normalized detector batches.
package images

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
)

// Image represents an encoded image with a format, data, width, and height.
type Image struct {
	// The path the image was read from, if any.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
	// The width of the image, set once decoded.
	Width int `json:"width" yaml:"width"`
	// The height of the image, set once decoded.
	Height int `json:"height" yaml:"height"`
}

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
)

// FormatFromExt maps a file extension to its format.
func FormatFromExt(ext string) (ImageFormat, bool) {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return FormatJPEG, true
	case ".png":
		return FormatPNG, true
	case ".webp":
		return FormatWebP, true
	}
	return "", false
}

// Decode decodes the image data and records its size.
//
// Returns:
//   - image.Image: The decoded image.
//   - error: An error if the data is empty, the format unsupported or the
//     data corrupt.
func (i *Image) Decode() (image.Image, error) {
	if len(i.Data) == 0 {
		return nil, errors.New("empty image data")
	}
	var (
		img image.Image
		err error
	)
	r := bytes.NewReader(i.Data)
	switch i.Format {
	case FormatJPEG:
		img, err = jpeg.Decode(r)
	case FormatPNG:
		img, err = png.Decode(r)
	case FormatWebP:
		img, err = webp.Decode(r)
	default:
		return nil, errors.Errorf("unsupported image format: %q", i.Format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s image", i.Format)
	}
	b := img.Bounds()
	i.Width, i.Height = b.Dx(), b.Dy()
	return img, nil
}

// LoadDirectory reads every supported image file of dir, sorted by name.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []Image: The encoded images.
//   - error: Error if the directory or a file cannot be read.
func LoadDirectory(dir string) ([]Image, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read directory")
	}

	var out []Image
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		format, ok := FormatFromExt(filepath.Ext(file.Name()))
		if !ok {
			continue
		}
		path := filepath.Join(dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		out = append(out, Image{Path: path, Format: format, Data: data})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Path < out[j].Path
	})
	return out, nil
}
