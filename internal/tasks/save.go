package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

// SaveTask writes an image buffer to disk. It is a sink with no published
// output of its own.
type SaveTask struct {
	BaseTask

	src     ImageTask
	path    string
	quality int
}

func NewSaveTask(src ImageTask, path string, quality int, logger *slog.Logger, verbose bool) *SaveTask {
	return &SaveTask{
		BaseTask: newBaseTask("Save "+filepath.Base(path), logger, verbose, src),
		src:      src,
		path:     path,
		quality:  quality,
	}
}

// Path returns the destination file path.
func (t *SaveTask) Path() string { return t.path }

func (t *SaveTask) Run(ctx context.Context) error {
	img := t.src.Image()

	var ok bool
	switch strings.ToLower(filepath.Ext(t.path)) {
	case ".jpg", ".jpeg":
		ok = gocv.IMWriteWithParams(t.path, img, []int{gocv.IMWriteJpegQuality, t.quality})
	default:
		ok = gocv.IMWrite(t.path, img)
	}
	if !ok {
		return fmt.Errorf("failed to save %s", t.path)
	}

	if t.verbose {
		t.log.Info("image saved", "file", t.path)
	}
	return nil
}
