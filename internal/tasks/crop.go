package tasks

import (
	"context"
	"log/slog"
)

// CropTask removes the reflected border that LoadTask added, restoring
// the original image dimensions before output.
type CropTask struct {
	BaseImageTask

	src      ImageTask
	cropInfo *LoadTask
}

func NewCropTask(src ImageTask, cropInfo *LoadTask, logger *slog.Logger, verbose bool) *CropTask {
	return &CropTask{
		BaseImageTask: newBaseImageTask("Crop "+src.Name(), logger, verbose, src, cropInfo),
		src:           src,
		cropInfo:      cropInfo,
	}
}

func (t *CropTask) Run(ctx context.Context) error {
	rect := t.cropInfo.ValidRect()
	region := t.src.Image().Region(rect)
	defer region.Close()

	if t.verbose {
		t.log.Info("cropping",
			"task", t.Name(),
			"x", rect.Min.X, "y", rect.Min.Y,
			"width", rect.Dx(), "height", rect.Dy(),
		)
	}

	t.publish(region.Clone())
	return nil
}
