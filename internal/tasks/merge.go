package tasks

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"gocv.io/x/gocv"
)

// MergeInput pairs an aligned image with its position in the stack.
// Index is -1 when the input is an intermediate merge batch, which
// carries its own per-pixel index map instead.
type MergeInput struct {
	Task  ImageTask
	Index int
}

// MergeTask fuses a batch of aligned images by per-pixel focus measure:
// each output pixel is taken from the input with the strongest local
// Laplacian response. Alongside the color result the task keeps the
// winning sharpness and winning stack index per pixel, so batches can be
// merged again and the depth map task can read the final index map.
type MergeTask struct {
	BaseImageTask

	inputs      []MergeInput
	consistency int

	sharp gocv.Mat // CV_32F winning focus measure
	depth gocv.Mat // CV_8U winning stack index
	aux   bool
}

func NewMergeTask(name string, inputs []MergeInput, consistency int, logger *slog.Logger, verbose bool) *MergeTask {
	deps := make([]Task, 0, len(inputs))
	for _, in := range inputs {
		deps = append(deps, in.Task)
	}
	return &MergeTask{
		BaseImageTask: newBaseImageTask(name, logger, verbose, deps...),
		inputs:        inputs,
		consistency:   consistency,
	}
}

func (t *MergeTask) Run(ctx context.Context) error {
	if len(t.inputs) == 0 {
		return fmt.Errorf("merge has no inputs")
	}

	for i, in := range t.inputs {
		img := in.Task.Image()
		if img.Channels() != 3 {
			return fmt.Errorf("merge input %d is not a color image", i)
		}

		sharp, depth, err := t.focusMeasure(in)
		if err != nil {
			return err
		}

		if i == 0 {
			t.publish(img.Clone())
			t.sharp = sharp
			t.depth = depth
			t.aux = true
			continue
		}

		err = t.foldIn(img, sharp, depth)
		sharp.Close()
		depth.Close()
		if err != nil {
			return err
		}
	}

	if t.verbose {
		t.log.Info("merged batch", "task", t.Name(), "inputs", len(t.inputs))
	}
	return nil
}

// focusMeasure computes the per-pixel sharpness and stack index map of
// one input. Intermediate merge batches already carry both.
func (t *MergeTask) focusMeasure(in MergeInput) (sharp gocv.Mat, depth gocv.Mat, err error) {
	if mt, ok := in.Task.(*MergeTask); ok {
		return mt.sharp.Clone(), mt.depth.Clone(), nil
	}

	img := in.Task.Image()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV32F, 1, 1, 0, gocv.BorderDefault)

	sharp = gocv.NewMat()
	gocv.Multiply(lap, lap, &sharp)

	// The consistency filter spreads each focus vote over its
	// neighbourhood, suppressing isolated wrong-image picks from noise.
	if t.consistency > 0 {
		sigma := float64(t.consistency)
		gocv.GaussianBlur(sharp, &sharp, image.Point{}, sigma, sigma, gocv.BorderDefault)
	}

	idx := uint8(0)
	if in.Index > 0 {
		idx = uint8(in.Index)
	}
	depth = gocv.NewMatWithSize(img.Rows(), img.Cols(), gocv.MatTypeCV8U)
	if idx != 0 {
		depth.SetTo(gocv.NewScalar(float64(idx), 0, 0, 0))
	}
	return sharp, depth, nil
}

// foldIn overwrites every output pixel where img is sharper than the
// current winner.
func (t *MergeTask) foldIn(img, sharp, depth gocv.Mat) error {
	out := t.Image()

	outData, err := out.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("merge output buffer: %w", err)
	}
	imgData, err := img.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("merge input buffer: %w", err)
	}
	bestSharp, err := t.sharp.DataPtrFloat32()
	if err != nil {
		return fmt.Errorf("merge sharpness buffer: %w", err)
	}
	newSharp, err := sharp.DataPtrFloat32()
	if err != nil {
		return fmt.Errorf("merge sharpness buffer: %w", err)
	}
	bestDepth, err := t.depth.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("merge depth buffer: %w", err)
	}
	newDepth, err := depth.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("merge depth buffer: %w", err)
	}

	if len(newSharp) != len(bestSharp) {
		return fmt.Errorf("merge input size mismatch: %d vs %d pixels", len(newSharp), len(bestSharp))
	}

	for i, s := range newSharp {
		if s > bestSharp[i] {
			bestSharp[i] = s
			bestDepth[i] = newDepth[i]
			copy(outData[i*3:i*3+3], imgData[i*3:i*3+3])
		}
	}
	return nil
}

// SharpnessMap returns the winning focus measure per pixel. Valid while
// the task's output is unreleased.
func (t *MergeTask) SharpnessMap() gocv.Mat { return t.sharp }

// DepthIndexMap returns the winning stack index per pixel. Valid while
// the task's output is unreleased.
func (t *MergeTask) DepthIndexMap() gocv.Mat { return t.depth }

func (t *MergeTask) ReleaseImage() {
	t.BaseImageTask.ReleaseImage()
	if t.aux {
		t.sharp.Close()
		t.depth.Close()
		t.aux = false
	}
}
