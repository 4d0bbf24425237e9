// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package srdata

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PatchDataset yields batches of square patches cropped from high-resolution images: the inputs are the
// low-resolution patches (bicubic downscaled), and the labels the original high-resolution patches.
//
// Inputs are shaped `[batch, channels, patchSize/scale, patchSize/scale]` and labels
// `[batch, channels, patchSize, patchSize]`, both float32 with values in [0, 1].
//
// By default, it goes over each image once, using the center crop of the image, and then returns io.EOF:
// this is used for evaluation. For training, configure it with Infinite(true), Shuffle(rng) (random
// images and random crops) and optionally Augment(true).
//
// It is safe for concurrent use, and can be wrapped with datasets.Parallel or datasets.ReadAhead.
type PatchDataset struct {
	name, shortName                       string
	images                                []*Image
	channels, scale, patchSize, batchSize int

	infinite, augment bool

	mu      sync.Mutex
	rng     *rand.Rand
	order   []int
	nextPos int
}

var _ train.Dataset = (*PatchDataset)(nil)

// NewPatchDataset creates a PatchDataset from the given high-resolution images.
//
// Images smaller than patchSize in any dimension are skipped (with a warning). It returns an error if no
// image is left, or if the configuration is invalid: patchSize must be a positive multiple of scale.
func NewPatchDataset(name string, images []*Image, channels, scale, patchSize, batchSize int) (*PatchDataset, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("dataset %q: only 1 or 3 channels are supported, got %d", name, channels)
	}
	if scale <= 0 || patchSize <= 0 || batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: scale (%d), patchSize (%d) and batchSize (%d) must be > 0",
			name, scale, patchSize, batchSize)
	}
	if patchSize%scale != 0 {
		return nil, errors.Errorf("dataset %q: patchSize (%d) must be a multiple of the scale factor (%d)",
			name, patchSize, scale)
	}
	ds := &PatchDataset{
		name:      name,
		shortName: name,
		channels:  channels,
		scale:     scale,
		patchSize: patchSize,
		batchSize: batchSize,
	}
	if len(ds.shortName) > 5 {
		ds.shortName = ds.shortName[:5]
	}
	for _, img := range images {
		size := img.Bounds().Size()
		if size.X < patchSize || size.Y < patchSize {
			klog.Warningf("dataset %q: skipping image %q of size %dx%d, smaller than the patch size %d",
				name, img.Path, size.X, size.Y, patchSize)
			continue
		}
		ds.images = append(ds.images, img)
	}
	if len(ds.images) == 0 {
		return nil, errors.Errorf("dataset %q: no images of at least %dx%d pixels", name, patchSize, patchSize)
	}
	ds.Reset()
	return ds, nil
}

// Infinite sets whether the dataset loops indefinitely over the images.
func (ds *PatchDataset) Infinite(infinite bool) *PatchDataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.infinite = infinite
	return ds
}

// Shuffle makes the dataset yield the images in random order and use random crops.
// Set rng to nil to go back to the sequential order with center crops.
func (ds *PatchDataset) Shuffle(rng *rand.Rand) *PatchDataset {
	ds.mu.Lock()
	ds.rng = rng
	ds.mu.Unlock()
	ds.Reset()
	return ds
}

// Augment enables random horizontal/vertical flips and transpositions of the patches.
// It only takes effect if Shuffle was configured.
func (ds *PatchDataset) Augment(augment bool) *PatchDataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.augment = augment
	return ds
}

// Name implements train.Dataset.
func (ds *PatchDataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *PatchDataset) ShortName() string { return ds.shortName }

// NumImages returns the number of images used by the dataset.
func (ds *PatchDataset) NumImages() int { return len(ds.images) }

// LowResPatchSize is the size of the low-resolution patches (the inputs).
func (ds *PatchDataset) LowResPatchSize() int { return ds.patchSize / ds.scale }

// Reset implements train.Dataset. It restarts the dataset, reshuffling the order of the images if configured.
func (ds *PatchDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.nextPos = 0
	if len(ds.order) != len(ds.images) {
		ds.order = make([]int, len(ds.images))
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	if ds.rng != nil {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// patchJob describes how to generate one example: which image, where to crop it and how to augment it.
type patchJob struct {
	img                     *Image
	x0, y0                  int
	flipH, flipV, transpose bool
}

// nextJobs selects the examples of the next batch. It returns nil at the end of a finite dataset.
func (ds *PatchDataset) nextJobs() []patchJob {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	batchSize := ds.batchSize
	if !ds.infinite {
		batchSize = min(batchSize, len(ds.order)-ds.nextPos)
		if batchSize <= 0 {
			return nil
		}
	}
	jobs := make([]patchJob, batchSize)
	for ii := range jobs {
		if ds.nextPos >= len(ds.order) {
			// Only reached if infinite: start another pass over the images.
			ds.nextPos = 0
			if ds.rng != nil {
				ds.rng.Shuffle(len(ds.order), func(i, j int) {
					ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
				})
			}
		}
		img := ds.images[ds.order[ds.nextPos]]
		ds.nextPos++
		size := img.Bounds().Size()
		job := patchJob{img: img}
		if ds.rng == nil {
			job.x0, job.y0 = (size.X-ds.patchSize)/2, (size.Y-ds.patchSize)/2
		} else {
			job.x0, job.y0 = ds.rng.Intn(size.X-ds.patchSize+1), ds.rng.Intn(size.Y-ds.patchSize+1)
			if ds.augment {
				job.flipH, job.flipV, job.transpose = ds.rng.Intn(2) == 1, ds.rng.Intn(2) == 1, ds.rng.Intn(2) == 1
			}
		}
		jobs[ii] = job
	}
	return jobs
}

// patch returns the high-resolution patch for the job.
func (ds *PatchDataset) patch(job patchJob) image.Image {
	origin := job.img.Bounds().Min
	rect := image.Rect(job.x0, job.y0, job.x0+ds.patchSize, job.y0+ds.patchSize).Add(origin)
	var patch image.Image = imaging.Crop(job.img, rect)
	if job.flipH {
		patch = imaging.FlipH(patch)
	}
	if job.flipV {
		patch = imaging.FlipV(patch)
	}
	if job.transpose {
		patch = imaging.Transpose(patch)
	}
	return patch
}

// Yield implements train.Dataset.
func (ds *PatchDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	jobs := ds.nextJobs()
	if jobs == nil {
		err = io.EOF
		return
	}
	batchSize := len(jobs)
	lrSize := ds.LowResPatchSize()
	hrExampleSize := ds.channels * ds.patchSize * ds.patchSize
	lrExampleSize := ds.channels * lrSize * lrSize
	hrData := make([]float32, batchSize*hrExampleSize)
	lrData := make([]float32, batchSize*lrExampleSize)
	for ii, job := range jobs {
		hrPatch := ds.patch(job)
		lrPatch := Downscale(hrPatch, ds.scale)
		var hr, lr []float32
		if hr, err = ImageToCHW[float32](hrPatch, ds.channels); err != nil {
			return
		}
		if lr, err = ImageToCHW[float32](lrPatch, ds.channels); err != nil {
			return
		}
		copy(hrData[ii*hrExampleSize:], hr)
		copy(lrData[ii*lrExampleSize:], lr)
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(lrData, batchSize, ds.channels, lrSize, lrSize)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(hrData, batchSize, ds.channels, ds.patchSize, ds.patchSize)}
	return
}
