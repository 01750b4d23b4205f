package tasks

import (
	"context"
	"log/slog"
	"strings"

	"gocv.io/x/gocv"
)

// GrayscaleTask derives a single-channel copy of its source. The
// geometric alignment search runs on grayscale data only.
type GrayscaleTask struct {
	BaseImageTask

	src ImageTask
}

func NewGrayscaleTask(src ImageTask, logger *slog.Logger, verbose bool) *GrayscaleTask {
	name := "Grayscale " + strings.TrimPrefix(src.Name(), "Load ")
	return &GrayscaleTask{
		BaseImageTask: newBaseImageTask(name, logger, verbose, src),
		src:           src,
	}
}

func (t *GrayscaleTask) Run(ctx context.Context) error {
	in := t.src.Image()
	gray := gocv.NewMat()
	if in.Channels() == 1 {
		in.CopyTo(&gray)
	} else {
		gocv.CvtColor(in, &gray, gocv.ColorBGRToGray)
	}
	t.publish(gray)
	return nil
}
