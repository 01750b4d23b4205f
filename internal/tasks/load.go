package tasks

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"
	"gopkg.in/gographics/imagick.v3/imagick"

	"github.com/charlie-x/focus-stack/internal/fsutil"
)

// padMultiple is the block size the padded image dimensions are rounded
// up to. The reflected border gives affine warps and the merge filters
// real pixel data to sample past the frame edge.
const padMultiple = 128

// LoadTask decodes one input file into a color buffer, padding the edges
// by reflection and remembering the original size so downstream tasks can
// exclude the synthetic border from their sampling regions.
type LoadTask struct {
	BaseImageTask

	path     string
	origSize image.Point
}

func NewLoadTask(path string, logger *slog.Logger, verbose bool) *LoadTask {
	return &LoadTask{
		BaseImageTask: newBaseImageTask("Load "+filepath.Base(path), logger, verbose),
		path:          path,
	}
}

func (t *LoadTask) Run(ctx context.Context) error {
	mat, err := readImage(t.path)
	if err != nil {
		return err
	}
	defer mat.Close()

	t.origSize = image.Pt(mat.Cols(), mat.Rows())

	expandX := (padMultiple - mat.Cols()%padMultiple) % padMultiple
	expandY := (padMultiple - mat.Rows()%padMultiple) % padMultiple

	padded := gocv.NewMat()
	gocv.CopyMakeBorder(mat, &padded,
		expandY/2, expandY-expandY/2,
		expandX/2, expandX-expandX/2,
		gocv.BorderReflect, color.RGBA{})

	if t.verbose {
		t.log.Info("image loaded",
			"file", t.path,
			"width", t.origSize.X,
			"height", t.origSize.Y,
			"padded_width", padded.Cols(),
			"padded_height", padded.Rows(),
		)
	}

	t.publish(padded)
	return nil
}

// OrigSize returns the pre-padding image dimensions.
func (t *LoadTask) OrigSize() image.Point { return t.origSize }

// ValidRect returns the sub-rectangle of the padded buffer holding real
// image data, centered inside the reflected border.
func (t *LoadTask) ValidRect() image.Rectangle {
	img := t.Image()
	expandX := img.Cols() - t.origSize.X
	expandY := img.Rows() - t.origSize.Y
	return image.Rect(expandX/2, expandY/2, expandX/2+t.origSize.X, expandY/2+t.origSize.Y)
}

func readImage(path string) (gocv.Mat, error) {
	if !fsutil.IsRAWFile(path) {
		mat := gocv.IMRead(path, gocv.IMReadColor)
		if !mat.Empty() {
			return mat, nil
		}
		// Fall through to imagick; some TIFF variants defeat OpenCV's codecs.
	}
	return readImageMagick(path)
}

var imagickInit sync.Once

// readImageMagick decodes via ImageMagick, covering RAW camera formats
// and anything else OpenCV cannot read.
func readImageMagick(path string) (gocv.Mat, error) {
	imagickInit.Do(imagick.Initialize)

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return gocv.NewMat(), fmt.Errorf("decode %s: %w", path, err)
	}

	w := mw.GetImageWidth()
	h := mw.GetImageHeight()
	if w == 0 || h == 0 {
		return gocv.NewMat(), fmt.Errorf("decode %s: empty image", path)
	}

	px, err := mw.ExportImagePixels(0, 0, w, h, "BGR", imagick.PIXEL_CHAR)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("export pixels of %s: %w", path, err)
	}
	data, ok := px.([]uint8)
	if !ok {
		return gocv.NewMat(), fmt.Errorf("export pixels of %s: unexpected pixel storage", path)
	}

	mat, err := gocv.NewMatFromBytes(int(h), int(w), gocv.MatTypeCV8UC3, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("wrap pixels of %s: %w", path, err)
	}
	return mat, nil
}
