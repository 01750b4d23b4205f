package tasks

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"gocv.io/x/gocv"
)

// DepthmapConfig tunes depth map synthesis.
type DepthmapConfig struct {
	// Threshold rejects depth points whose normalized focus measure is
	// below this 0..255 level; rejected points read as 0.
	Threshold int
	// SmoothXY is the gaussian smoothing strength across the image plane.
	SmoothXY float64
	// SmoothZ is the smoothing strength across depth levels, applied as
	// a median filter over the quantized depth values.
	SmoothZ float64
	// RemoveBG drops background pixels: positive removes black
	// background darker than the value, negative removes white
	// background brighter than 255+value.
	RemoveBG int
	// HaloRadius is the radius of halo artifacts suppressed around
	// depth discontinuities by morphological opening.
	HaloRadius float64
}

// DepthmapTask turns the merge's winning-index map into a grayscale
// depth image: index scaled to 0..255, low-confidence and background
// points zeroed, then smoothed.
type DepthmapTask struct {
	BaseImageTask

	merge  *MergeTask
	levels int
	cfg    DepthmapConfig
}

func NewDepthmapTask(merge *MergeTask, levels int, cfg DepthmapConfig, logger *slog.Logger, verbose bool) *DepthmapTask {
	return &DepthmapTask{
		BaseImageTask: newBaseImageTask("Depthmap", logger, verbose, merge),
		merge:         merge,
		levels:        levels,
		cfg:           cfg,
	}
}

func (t *DepthmapTask) Run(ctx context.Context) error {
	idx := t.merge.DepthIndexMap()
	sharp := t.merge.SharpnessMap()
	merged := t.merge.Image()

	// Confidence of each depth point, normalized so Threshold compares
	// on a fixed 0..255 scale regardless of scene texture.
	conf := gocv.NewMat()
	defer conf.Close()
	gocv.Normalize(sharp, &conf, 0, 255, gocv.NormMinMax)
	conf8 := gocv.NewMat()
	defer conf8.Close()
	conf.ConvertTo(&conf8, gocv.MatTypeCV8U)

	out := gocv.NewMatWithSize(idx.Rows(), idx.Cols(), gocv.MatTypeCV8U)

	idxData, err := idx.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("depth index buffer: %w", err)
	}
	confData, err := conf8.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("depth confidence buffer: %w", err)
	}
	outData, err := out.DataPtrUint8()
	if err != nil {
		out.Close()
		return fmt.Errorf("depth output buffer: %w", err)
	}
	imgData, err := merged.DataPtrUint8()
	if err != nil {
		out.Close()
		return fmt.Errorf("merged image buffer: %w", err)
	}

	scale := 255.0
	if t.levels > 1 {
		scale = 255.0 / float64(t.levels-1)
	}

	for i := range outData {
		if int(confData[i]) < t.cfg.Threshold {
			continue
		}
		if t.cfg.RemoveBG != 0 && isBackground(imgData[i*3:i*3+3], t.cfg.RemoveBG) {
			continue
		}
		outData[i] = uint8(float64(idxData[i])*scale + 0.5)
	}

	if t.cfg.HaloRadius > 0 {
		k := oddKernel(int(t.cfg.HaloRadius / 4))
		kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(k, k))
		defer kernel.Close()
		gocv.MorphologyEx(out, &out, gocv.MorphOpen, kernel)
	}
	if t.cfg.SmoothZ > 0 {
		gocv.MedianBlur(out, &out, oddKernel(int(t.cfg.SmoothZ/8)))
	}
	if t.cfg.SmoothXY > 0 {
		sigma := t.cfg.SmoothXY / 4
		gocv.GaussianBlur(out, &out, image.Point{}, sigma, sigma, gocv.BorderDefault)
	}

	if t.verbose {
		t.log.Info("depth map generated",
			"levels", t.levels,
			"threshold", t.cfg.Threshold,
		)
	}

	t.publish(out)
	return nil
}

func isBackground(bgr []uint8, removeBG int) bool {
	// Luminance approximation is enough to classify background.
	lum := (int(bgr[0]) + int(bgr[1])*2 + int(bgr[2])) / 4
	if removeBG > 0 {
		return lum < removeBG
	}
	return lum > 255+removeBG
}

func oddKernel(k int) int {
	if k < 1 {
		k = 1
	}
	if k%2 == 0 {
		k++
	}
	return k
}
