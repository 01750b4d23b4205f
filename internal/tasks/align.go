package tasks

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"strings"

	"gocv.io/x/gocv"
)

// AlignConfig tunes the registration passes.
type AlignConfig struct {
	// NoContrast skips the smooth exposure/vignetting correction fit.
	NoContrast bool
	// NoWhitebalance skips the per-channel gain/offset fit.
	NoWhitebalance bool
	// FullResolution lifts the MaxResolution cap in the final pass.
	FullResolution bool
	// MaxResolution caps the longer image side during the final
	// alignment search. Alignment positions subpixel, so resolution
	// beyond this adds cost without accuracy.
	MaxResolution int
}

const (
	roughAlignResolution = 256
	roughAlignIterations = 25
	roughAlignEpsilon    = 0.01
	finalAlignIterations = 50
	finalAlignEpsilon    = 0.001

	// grid edge for the photometric sample grids
	photometricSamples = 64
)

// AlignTask estimates and applies a geometric plus photometric transform
// mapping a source image onto a reference image. The affine transform is
// solved by ECC maximization at a coarse resolution first, the contrast
// and white balance models are fitted on the roughly-registered source,
// and the geometry is then re-refined near full resolution on
// photometrically corrected samples so the error metric reflects only
// misalignment.
type AlignTask struct {
	BaseImageTask

	refGray  ImageTask
	refColor ImageTask
	srcGray  ImageTask
	srcColor ImageTask
	guess    *AlignTask
	cropInfo *LoadTask
	cfg      AlignConfig

	// 2x3 affine, identity until solved
	transform gocv.Mat
	// column vector of {constant, x, x^2, y, y^2} contrast factors
	contrast gocv.Mat
	// column vector of {offset, gain} pairs per BGR channel
	whitebalance gocv.Mat

	roi image.Rectangle
}

// NewAlignTask registers srcColor onto refColor. guess may carry a
// neighbour's already-solved transform as the starting point (chained
// alignment); cropInfo supplies the padding geometry of the source so the
// reflected border is excluded from all sampling.
func NewAlignTask(refGray, refColor, srcGray, srcColor ImageTask, guess *AlignTask, cropInfo *LoadTask, cfg AlignConfig, logger *slog.Logger, verbose bool) *AlignTask {
	if cfg.MaxResolution <= 0 {
		cfg.MaxResolution = 2048
	}

	srcBase := strings.TrimPrefix(srcColor.Name(), "Load ")
	refBase := strings.TrimPrefix(refColor.Name(), "Load ")
	name := "Align " + srcBase + " to " + refBase

	deps := []Task{refGray, refColor, srcGray, srcColor}
	if guess != nil {
		deps = append(deps, guess)
	}
	if cropInfo != nil {
		deps = append(deps, cropInfo)
	}

	t := &AlignTask{
		BaseImageTask: newBaseImageTask(name, logger, verbose, deps...),
		refGray:       refGray,
		refColor:      refColor,
		srcGray:       srcGray,
		srcColor:      srcColor,
		guess:         guess,
		cropInfo:      cropInfo,
		cfg:           cfg,
	}

	t.transform = gocv.NewMatWithSize(2, 3, gocv.MatTypeCV32F)
	t.transform.SetFloatAt(0, 0, 1)
	t.transform.SetFloatAt(1, 1, 1)

	t.contrast = gocv.NewMatWithSize(5, 1, gocv.MatTypeCV32F)
	t.contrast.SetFloatAt(0, 0, 1)

	t.whitebalance = gocv.NewMatWithSize(6, 1, gocv.MatTypeCV32F)
	t.whitebalance.SetFloatAt(1, 0, 1)
	t.whitebalance.SetFloatAt(3, 0, 1)
	t.whitebalance.SetFloatAt(5, 0, 1)

	return t
}

func (t *AlignTask) Run(ctx context.Context) error {
	if t.srcColor == t.refColor {
		// Aligning the reference to itself: pass pixels through untouched.
		t.publish(t.refColor.Image().Clone())
		return nil
	}

	if t.guess != nil {
		t.guess.transform.CopyTo(&t.transform)
	}

	src := t.srcColor.Image()
	if t.cropInfo != nil {
		t.roi = t.cropInfo.ValidRect()
	} else {
		t.roi = image.Rect(0, 0, src.Cols(), src.Rows())
	}

	if err := t.matchTransform(roughAlignResolution, true); err != nil {
		return err
	}

	if !t.cfg.NoContrast {
		if err := t.matchContrast(); err != nil {
			return err
		}
	}
	if !t.cfg.NoWhitebalance {
		if err := t.matchWhitebalance(); err != nil {
			return err
		}
	}

	maxRes := t.cfg.MaxResolution
	if t.cfg.FullResolution {
		maxRes = max(src.Cols(), src.Rows())
	}
	if err := t.matchTransform(maxRes, false); err != nil {
		return err
	}

	result := gocv.NewMat()
	t.applyTransform(src, &result, false)
	if !t.cfg.NoContrast || !t.cfg.NoWhitebalance {
		t.applyContrastWhitebalance(&result)
	}
	t.publish(result)
	return nil
}

// matchTransform refines the affine transform by ECC maximization at a
// capped resolution. The translation column is scaled into the search
// resolution and back out, so the transform always describes full
// resolution coordinates.
func (t *AlignTask) matchTransform(maxResolution int, rough bool) (err error) {
	// The ECC solver reports degenerate or diverging systems via an
	// OpenCV exception, which surfaces as a panic through the bindings.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alignment solver failed: %v", r)
		}
	}()

	refFull := t.refGray.Image()
	srcFull := t.srcGray.Image()

	resolution := max(refFull.Cols(), refFull.Rows())
	scale := 1.0

	ref := gocv.NewMat()
	src := gocv.NewMat()
	defer ref.Close()
	defer src.Close()

	if resolution <= maxResolution {
		refFull.CopyTo(&ref)
		srcFull.CopyTo(&src)
	} else {
		scale = float64(maxResolution) / float64(resolution)
		gocv.Resize(refFull, &ref, image.Point{}, scale, scale, gocv.InterpolationArea)
		gocv.Resize(srcFull, &src, image.Point{}, scale, scale, gocv.InterpolationArea)
	}

	mask := gocv.NewMatWithSize(ref.Rows(), ref.Cols(), gocv.MatTypeCV8U)
	defer mask.Close()
	scaledROI := image.Rect(
		int(float64(t.roi.Min.X)*scale),
		int(float64(t.roi.Min.Y)*scale),
		int(float64(t.roi.Max.X)*scale),
		int(float64(t.roi.Max.Y)*scale),
	)
	region := mask.Region(scaledROI)
	region.SetTo(gocv.NewScalar(255, 0, 0, 0))
	region.Close()

	// Correct the source samples photometrically so the error metric
	// sees geometry only. Before the fits these models are identity.
	t.applyContrastWhitebalance(&src)

	t.transform.SetFloatAt(0, 2, t.transform.GetFloatAt(0, 2)*float32(scale))
	t.transform.SetFloatAt(1, 2, t.transform.GetFloatAt(1, 2)*float32(scale))

	iterations := finalAlignIterations
	epsilon := finalAlignEpsilon
	if rough {
		iterations = roughAlignIterations
		epsilon = roughAlignEpsilon
	}
	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, iterations, epsilon)

	rho := gocv.FindTransformECC(ref, src, &t.transform, gocv.MotionAffine, criteria, mask, 5)
	if math.IsNaN(rho) || rho <= 0 {
		return fmt.Errorf("alignment did not converge (correlation %0.3f)", rho)
	}

	t.transform.SetFloatAt(0, 2, t.transform.GetFloatAt(0, 2)/float32(scale))
	t.transform.SetFloatAt(1, 2, t.transform.GetFloatAt(1, 2)/float32(scale))

	if t.verbose {
		pass := "final"
		if rough {
			pass = "rough"
		}
		t.log.Info("alignment transform",
			"task", t.Name(),
			"pass", pass,
			"correlation", rho,
			"matrix", fmt.Sprintf("[%0.3f %0.3f %0.3f; %0.3f %0.3f %0.3f]",
				t.transform.GetFloatAt(0, 0), t.transform.GetFloatAt(0, 1), t.transform.GetFloatAt(0, 2),
				t.transform.GetFloatAt(1, 0), t.transform.GetFloatAt(1, 1), t.transform.GetFloatAt(1, 2)),
		)
	}
	return nil
}

// matchContrast samples a low resolution grid of both images and fits the
// per-sample brightness ratio to {1, x, x^2, y, y^2} of the normalized
// sample position. This models the smooth lighting differences caused by
// rolling shutter and lens vignetting, not pixel level noise.
func (t *AlignTask) matchContrast() error {
	warped := gocv.NewMat()
	defer warped.Close()
	t.applyTransform(t.srcGray.Image(), &warped, false)

	refROI := t.refGray.Image().Region(t.roi)
	srcROI := warped.Region(t.roi)
	defer refROI.Close()
	defer srcROI.Close()

	ref := gocv.NewMat()
	src := gocv.NewMat()
	defer ref.Close()
	defer src.Close()
	size := image.Pt(photometricSamples, photometricSamples)
	gocv.Resize(refROI, &ref, size, 0, 0, gocv.InterpolationArea)
	gocv.Resize(srcROI, &src, size, 0, 0, gocv.InterpolationArea)

	total := photometricSamples * photometricSamples
	ratios := gocv.NewMatWithSize(total, 1, gocv.MatTypeCV32F)
	positions := gocv.NewMatWithSize(total, 5, gocv.MatTypeCV32F)
	defer ratios.Close()
	defer positions.Close()

	for y := 0; y < photometricSamples; y++ {
		for x := 0; x < photometricSamples; x++ {
			idx := y*photometricSamples + x

			yd := (float32(y) - float32(ref.Rows())/2) / float32(ref.Rows())
			xd := (float32(x) - float32(ref.Cols())/2) / float32(ref.Cols())

			srcVal := src.GetUCharAt(y, x)
			if srcVal == 0 {
				srcVal = 1
			}
			ratios.SetFloatAt(idx, 0, float32(ref.GetUCharAt(y, x))/float32(srcVal))

			positions.SetFloatAt(idx, 0, 1)
			positions.SetFloatAt(idx, 1, xd)
			positions.SetFloatAt(idx, 2, xd*xd)
			positions.SetFloatAt(idx, 3, yd)
			positions.SetFloatAt(idx, 4, yd*yd)
		}
	}

	if ok := gocv.Solve(positions, ratios, &t.contrast, gocv.SolveDecompositionSvd); !ok {
		return fmt.Errorf("contrast fit failed: degenerate sample system")
	}

	if t.verbose {
		t.log.Info("contrast map",
			"task", t.Name(),
			"c", t.contrast.GetFloatAt(0, 0),
			"x", t.contrast.GetFloatAt(1, 0),
			"x2", t.contrast.GetFloatAt(2, 0),
			"y", t.contrast.GetFloatAt(3, 0),
			"y2", t.contrast.GetFloatAt(4, 0),
		)
	}
	return nil
}

// matchWhitebalance fits {offset, gain} per BGR channel mapping the
// transform- and contrast-corrected source onto the reference. The three
// channels are solved jointly as one block-diagonal least squares system.
func (t *AlignTask) matchWhitebalance() error {
	warped := gocv.NewMat()
	defer warped.Close()
	t.applyTransform(t.srcColor.Image(), &warped, false)
	t.applyContrastWhitebalance(&warped)

	refROI := t.refColor.Image().Region(t.roi)
	srcROI := warped.Region(t.roi)
	defer refROI.Close()
	defer srcROI.Close()

	ref := gocv.NewMat()
	src := gocv.NewMat()
	defer ref.Close()
	defer src.Close()
	size := image.Pt(photometricSamples, photometricSamples)
	gocv.Resize(refROI, &ref, size, 0, 0, gocv.InterpolationArea)
	gocv.Resize(srcROI, &src, size, 0, 0, gocv.InterpolationArea)

	total := photometricSamples * photometricSamples
	targets := gocv.NewMatWithSize(total*3, 1, gocv.MatTypeCV32F)
	factors := gocv.NewMatWithSize(total*3, 6, gocv.MatTypeCV32F)
	defer targets.Close()
	defer factors.Close()

	for y := 0; y < photometricSamples; y++ {
		for x := 0; x < photometricSamples; x++ {
			idx := y*photometricSamples + x
			srcPx := src.GetVecbAt(y, x)
			refPx := ref.GetVecbAt(y, x)

			for ch := 0; ch < 3; ch++ {
				targets.SetFloatAt(idx*3+ch, 0, float32(refPx[ch]))
				factors.SetFloatAt(idx*3+ch, ch*2, 1)
				factors.SetFloatAt(idx*3+ch, ch*2+1, float32(srcPx[ch]))
			}
		}
	}

	if ok := gocv.Solve(factors, targets, &t.whitebalance, gocv.SolveDecompositionSvd); !ok {
		return fmt.Errorf("white balance fit failed: degenerate sample system")
	}

	if t.verbose {
		t.log.Info("white balance",
			"task", t.Name(),
			"b_gain", t.whitebalance.GetFloatAt(1, 0),
			"b_offset", t.whitebalance.GetFloatAt(0, 0),
			"g_gain", t.whitebalance.GetFloatAt(3, 0),
			"g_offset", t.whitebalance.GetFloatAt(2, 0),
			"r_gain", t.whitebalance.GetFloatAt(5, 0),
			"r_offset", t.whitebalance.GetFloatAt(4, 0),
		)
	}
	return nil
}

// applyContrastWhitebalance corrects img in place with the fitted models.
// The fractional rounding residual is carried forward along the scan
// order; without the dithering the correction bands visibly in
// near-uniform regions.
func (t *AlignTask) applyContrastWhitebalance(img *gocv.Mat) {
	if !img.IsContinuous() {
		tmp := img.Clone()
		img.Close()
		*img = tmp
	}

	c0 := t.contrast.GetFloatAt(0, 0)
	c1 := t.contrast.GetFloatAt(1, 0)
	c2 := t.contrast.GetFloatAt(2, 0)
	c3 := t.contrast.GetFloatAt(3, 0)
	c4 := t.contrast.GetFloatAt(4, 0)

	rows := img.Rows()
	cols := img.Cols()
	data, err := img.DataPtrUint8()
	if err != nil {
		return
	}

	if img.Channels() == 1 {
		var delta float32
		for y := 0; y < rows; y++ {
			yd := (float32(y) - float32(rows)/2) / float32(rows)
			cy := yd * (c3 + c4*yd)
			for x := 0; x < cols; x++ {
				xd := (float32(x) - float32(cols)/2) / float32(cols)
				c := c0 + xd*(c1+c2*xd) + cy

				i := y*cols + x
				f := float32(data[i]) * c
				v := clampByte(f + delta)
				delta += f - float32(v)
				data[i] = v
			}
		}
		return
	}

	var wb [6]float32
	for i := range wb {
		wb[i] = t.whitebalance.GetFloatAt(i, 0)
	}

	var delta [3]float32
	for y := 0; y < rows; y++ {
		yd := (float32(y) - float32(rows)/2) / float32(rows)
		cy := yd * (c3 + c4*yd)
		for x := 0; x < cols; x++ {
			xd := (float32(x) - float32(cols)/2) / float32(cols)
			c := c0 + xd*(c1+c2*xd) + cy

			i := (y*cols + x) * 3
			for ch := 0; ch < 3; ch++ {
				f := float32(data[i+ch])*c*wb[ch*2+1] + wb[ch*2]
				v := clampByte(f + delta[ch])
				delta[ch] += f - float32(v)
				data[i+ch] = v
			}
		}
	}
}

// applyTransform warps src with the current affine transform. ECC solves
// the mapping in the reference-to-source direction, so applying the
// forward transform needs OpenCV's inverse-map flag.
func (t *AlignTask) applyTransform(src gocv.Mat, dst *gocv.Mat, inverse bool) {
	flags := gocv.InterpolationCubic
	if !inverse {
		flags |= gocv.WarpInverseMap
	}
	gocv.WarpAffineWithParams(src, dst, t.transform, image.Pt(src.Cols(), src.Rows()),
		flags, gocv.BorderReflect, color.RGBA{})
}

// Transform returns a copy of the solved 2x3 affine matrix. The caller
// owns the returned Mat.
func (t *AlignTask) Transform() gocv.Mat {
	return t.transform.Clone()
}

// ContrastCoeffs returns the fitted {constant, x, x^2, y, y^2} factors.
func (t *AlignTask) ContrastCoeffs() [5]float32 {
	var c [5]float32
	for i := range c {
		c[i] = t.contrast.GetFloatAt(i, 0)
	}
	return c
}

// WhitebalanceCoeffs returns the fitted {offset, gain} pairs in BGR order.
func (t *AlignTask) WhitebalanceCoeffs() [6]float32 {
	var c [6]float32
	for i := range c {
		c[i] = t.whitebalance.GetFloatAt(i, 0)
	}
	return c
}

// Close frees the solver state. The published image is handled separately
// by ReleaseImage; Close is for end-of-run cleanup.
func (t *AlignTask) Close() {
	t.transform.Close()
	t.contrast.Close()
	t.whitebalance.Close()
}

func clampByte(f float32) uint8 {
	if f <= 0 {
		return 0
	}
	if f >= 255 {
		return 255
	}
	return uint8(f)
}
