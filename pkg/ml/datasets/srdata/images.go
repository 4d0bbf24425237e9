// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package srdata provides the data used to train and evaluate super-resolution models: it loads
// high-resolution images from a directory, generates pairs of low-resolution / high-resolution
// patches (see PatchDataset) and converts between images and "channels first" tensors.
//
// Low-resolution images are generated by bicubic downscaling, the standard degradation used to
// benchmark single-image super-resolution.
package srdata

import (
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/constraints"
)

// ImageExtensions are the file extensions (lower case) read by LoadImages.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".gif", ".tif", ".tiff"}

// Image is a decoded image and the path it was read from.
type Image struct {
	Path string
	image.Image
}

// Name is the base name of the image file.
func (img *Image) Name() string { return filepath.Base(img.Path) }

// ListImages returns the paths of the image files in dir, sorted by name.
// Subdirectories are not included.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if slices.Contains(ImageExtensions, ext) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// LoadImages reads all images in dir (see ListImages). If verbose, it displays a progress bar.
//
// Images are auto-oriented according to their EXIF tags.
func LoadImages(dir string, verbose bool) ([]*Image, error) {
	paths, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images (%v) found in %q", ImageExtensions, dir)
	}
	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Loading images"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionClearOnFinish(),
		)
	}
	images := make([]*Image, 0, len(paths))
	for _, imgPath := range paths {
		img, err := imaging.Open(imgPath, imaging.AutoOrientation(true))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read image %q", imgPath)
		}
		images = append(images, &Image{Path: imgPath, Image: img})
		if pBar != nil {
			_ = pBar.Add(1)
		}
	}
	if pBar != nil {
		_ = pBar.Close()
	}
	return images, nil
}

// Downscale the image by the integer factor scale, using bicubic (Catmull-Rom) interpolation.
// The image is first cropped (from the top-left) to dimensions multiple of scale.
func Downscale(img image.Image, scale int) image.Image {
	size := img.Bounds().Size()
	width, height := size.X/scale, size.Y/scale
	if width*scale != size.X || height*scale != size.Y {
		img = imaging.CropAnchor(img, width*scale, height*scale, imaging.TopLeft)
	}
	return imaging.Resize(img, width, height, imaging.CatmullRom)
}

// BicubicUpscale enlarges the image by the integer factor scale, using bicubic (Catmull-Rom) interpolation.
// It is the usual baseline super-resolution models are compared against.
func BicubicUpscale(img image.Image, scale int) image.Image {
	size := img.Bounds().Size()
	return imaging.Resize(img, size.X*scale, size.Y*scale, imaging.CatmullRom)
}

// Luma returns the luminance (ITU-R BT.601) in [0, 1] from 8-bit RGB values.
func Luma(r, g, b uint8) float64 {
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 255
}

// ImageToCHW converts img to a flat slice in "channels first" layout (`[channels, height, width]`), with values
// in [0, 1].
//
// channels must be 3 (RGB) or 1 (luminance). The alpha channel is ignored.
func ImageToCHW[T constraints.Float](img image.Image, channels int) ([]T, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("only images with 1 or 3 channels are supported, got channels=%d", channels)
	}
	nrgba := imaging.Clone(img) // Bounds start at (0, 0).
	width, height := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	planeSize := width * height
	data := make([]T, channels*planeSize)
	for y := range height {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := range width {
			pix := row[4*x : 4*x+3]
			pos := y*width + x
			if channels == 1 {
				data[pos] = T(Luma(pix[0], pix[1], pix[2]))
				continue
			}
			for c := range 3 {
				data[c*planeSize+pos] = T(pix[c]) / 255
			}
		}
	}
	return data, nil
}

// toUint8 converts a value in [0, 1] to a color component, clipping values out of range.
func toUint8[T constraints.Float](v T) uint8 {
	return uint8(math.Round(255 * math.Min(1, math.Max(0, float64(v)))))
}

// CHWToImage converts a flat "channels first" slice with values in [0, 1] to an image.
// Values out of range are clipped.
//
// For channels == 1 it returns an *image.Gray, for channels == 3 an *image.NRGBA.
func CHWToImage[T constraints.Float](data []T, channels, height, width int) (image.Image, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("only images with 1 or 3 channels are supported, got channels=%d", channels)
	}
	planeSize := height * width
	if len(data) != channels*planeSize {
		return nil, errors.Errorf("data has %d values, but %d channels x %d height x %d width requires %d",
			len(data), channels, height, width, channels*planeSize)
	}
	rect := image.Rect(0, 0, width, height)
	if channels == 1 {
		gray := image.NewGray(rect)
		for y := range height {
			for x := range width {
				gray.SetGray(x, y, color.Gray{Y: toUint8(data[y*width+x])})
			}
		}
		return gray, nil
	}
	nrgba := image.NewNRGBA(rect)
	for y := range height {
		for x := range width {
			pos := y*width + x
			nrgba.SetNRGBA(x, y, color.NRGBA{
				R: toUint8(data[pos]),
				G: toUint8(data[planeSize+pos]),
				B: toUint8(data[2*planeSize+pos]),
				A: 255,
			})
		}
	}
	return nrgba, nil
}

// MaxPSNR is the PSNR reported for identical images.
const MaxPSNR = 100.0

// PSNR returns the peak signal-to-noise ratio (in dB, with peak value 1) between two images given as
// slices of values in [0, 1]. It returns MaxPSNR if they are identical.
func PSNR[T constraints.Float](a, b []T) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, errors.Errorf("PSNR requires non-empty values of the same size, got sizes %d and %d", len(a), len(b))
	}
	var sum float64
	for ii := range a {
		diff := float64(a[ii]) - float64(b[ii])
		sum += diff * diff
	}
	mse := sum / float64(len(a))
	if mse <= 1e-10 {
		return MaxPSNR, nil
	}
	return -10 * math.Log10(mse), nil
}
