package tasks

import (
	"context"
	"log/slog"

	"gocv.io/x/gocv"
)

// DenoiseTask runs non-local means denoising over the merged result.
// Focus merging amplifies sensor noise in the regions no input resolved
// sharply, so a light pass with the default strength of 1 is on by
// default.
type DenoiseTask struct {
	BaseImageTask

	src   ImageTask
	level float64
}

func NewDenoiseTask(src ImageTask, level float64, logger *slog.Logger, verbose bool) *DenoiseTask {
	return &DenoiseTask{
		BaseImageTask: newBaseImageTask("Denoise", logger, verbose, src),
		src:           src,
		level:         level,
	}
}

func (t *DenoiseTask) Run(ctx context.Context) error {
	in := t.src.Image()
	out := gocv.NewMat()
	gocv.FastNlMeansDenoisingColoredWithParams(in, &out,
		float32(t.level), float32(t.level), 7, 21)
	t.publish(out)
	return nil
}
