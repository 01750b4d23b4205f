package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

// Viewpoint describes the virtual camera of the 3D preview.
type Viewpoint struct {
	X, Y, Z, ZScale float64
}

/// ParseViewpoint parses the "x:y:z:zscale" option format.
func ParseViewpoint(s string) (Viewpoint, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Viewpoint{}, fmt.Errorf("viewpoint %q: want x:y:z:zscale", s)
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return Viewpoint{}, fmt.Errorf("viewpoint %q: %w", s, err)
		}
		vals[i] = v
	}
	return Viewpoint{X: vals[0], Y: vals[1], Z: vals[2], ZScale: vals[3]}, nil
}

// View3DTask renders an oblique preview of the merged image displaced by
// the depth map. Nearer pixels shift further along the viewpoint vector
// and overwrite farther ones.
type View3DTask struct {
	BaseImageTask

	merged ImageTask
	depth  ImageTask
	view   Viewpoint
}

func NewView3DTask(merged, depth ImageTask, view Viewpoint, logger *slog.Logger, verbose bool) *View3DTask {
	return &View3DTask{
		BaseImageTask: newBaseImageTask("3D preview", logger, verbose, merged, depth),
		merged:        merged,
		depth:         depth,
		view:          view,
	}
}

// View returns the viewpoint this preview renders from.
func (t *View3DTask) View() Viewpoint { return t.view }

func (t *View3DTask) Run(ctx context.Context) error {
	img := t.merged.Image()
	depth := t.depth.Image()

	rows := img.Rows()
	cols := img.Cols()
	if depth.Rows() != rows || depth.Cols() != cols {
		return fmt.Errorf("depth map size %dx%d does not match image %dx%d",
			depth.Cols(), depth.Rows(), cols, rows)
	}

	imgData, err := img.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("merged image buffer: %w", err)
	}
	depthData, err := depth.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("depth map buffer: %w", err)
	}

	out := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC3)
	outData, err := out.DataPtrUint8()
	if err != nil {
		out.Close()
		return fmt.Errorf("preview buffer: %w", err)
	}

	// Maximum displacement is a fixed share of the frame, scaled by the
	// viewpoint height.
	maxShift := float64(min(cols, rows)) * 0.05 * t.view.ZScale

	zbuf := make([]uint8, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			i := y*cols + x
			z := float64(depthData[i]) / 255.0

			dx := int(t.view.X * (z - 0.5) * maxShift)
			dy := int(t.view.Y * (z - 0.5) * maxShift)
			tx := x + dx
			ty := y + dy
			if tx < 0 || tx >= cols || ty < 0 || ty >= rows {
				continue
			}
			j := ty*cols + tx
			if depthData[i] < zbuf[j] {
				continue
			}
			zbuf[j] = depthData[i]

			// Darken with distance so the relief reads in a flat render.
			shade := 0.55 + 0.45*z*t.view.Z
			if shade > 1 {
				shade = 1
			}
			for ch := 0; ch < 3; ch++ {
				outData[j*3+ch] = uint8(float64(imgData[i*3+ch]) * shade)
			}
		}
	}

	t.publish(out)
	return nil
}
