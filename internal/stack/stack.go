// Package stack assembles the task graph for a focus stacking run and
// drives it through the worker pool.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/charlie-x/focus-stack/internal/config"
	"github.com/charlie-x/focus-stack/internal/logging"
	"github.com/charlie-x/focus-stack/internal/storage"
	"github.com/charlie-x/focus-stack/internal/tasks"
	"github.com/charlie-x/focus-stack/internal/watch"
)

// FocusStack holds one stacking run: the input files, the options that
// shape the graph, and the graph itself once built.
type FocusStack struct {
	files []string
	opts  config.Options
	view  tasks.Viewpoint
	log   *slog.Logger
	store *storage.Store

	all    []tasks.Task
	loads  []*tasks.LoadTask
	aligns []*tasks.AlignTask
	saves  []*tasks.SaveTask
}

// New validates the inputs and builds the task graph. The graph does not
// touch the filesystem until Run; missing input files surface there.
func New(files []string, opts config.Options, logger *slog.Logger, store *storage.Store) (*FocusStack, error) {
	if len(files) < 2 {
		return nil, fmt.Errorf("need at least two input images, got %d", len(files))
	}
	// The merge depth plane stores the winning stack index in 8 bits.
	if len(files) > 256 {
		return nil, fmt.Errorf("too many input images: %d, depth indexing supports at most 256", len(files))
	}

	s := &FocusStack{
		files: files,
		opts:  opts,
		log:   logger,
		store: store,
	}
	if opts.View3D != "" {
		vp, err := tasks.ParseViewpoint(opts.Viewpoint3D)
		if err != nil {
			return nil, err
		}
		s.view = vp
	}
	s.buildGraph()
	return s, nil
}

// Tasks returns the full task graph, mainly for inspection in tests.
func (s *FocusStack) Tasks() []tasks.Task { return s.all }

// Outputs returns the file paths the run will write.
func (s *FocusStack) Outputs() []string {
	out := make([]string, 0, len(s.saves))
	for _, sv := range s.saves {
		out = append(out, sv.Path())
	}
	return out
}

func (s *FocusStack) buildGraph() {
	n := len(s.files)
	refIdx := s.opts.Reference
	if refIdx < 0 || refIdx >= n {
		refIdx = n / 2
	}

	s.loads = make([]*tasks.LoadTask, n)
	grays := make([]*tasks.GrayscaleTask, n)
	for i, f := range s.files {
		s.loads[i] = tasks.NewLoadTask(f, s.log, s.opts.Verbose)
		grays[i] = tasks.NewGrayscaleTask(s.loads[i], s.log, s.opts.Verbose)
		s.add(s.loads[i], grays[i])
	}

	alignCfg := tasks.AlignConfig{
		NoContrast:     s.opts.NoContrast,
		NoWhitebalance: s.opts.NoWhitebalance,
		FullResolution: s.opts.FullResolution,
		MaxResolution:  s.opts.AlignResolution,
	}
	cropInfo := s.loads[refIdx]

	// Every image aligns against the reference frame. Outward from the
	// reference each alignment is seeded with its neighbour's solved
	// transform, so focus-driven scale drift accumulates into a usable
	// starting guess. Global mode drops the seeding.
	s.aligns = make([]*tasks.AlignTask, n)
	s.aligns[refIdx] = tasks.NewAlignTask(
		grays[refIdx], s.loads[refIdx], grays[refIdx], s.loads[refIdx],
		nil, cropInfo, alignCfg, s.log, s.opts.Verbose)
	for i := refIdx + 1; i < n; i++ {
		var guess *tasks.AlignTask
		if !s.opts.GlobalAlign {
			guess = s.aligns[i-1]
		}
		s.aligns[i] = tasks.NewAlignTask(
			grays[refIdx], s.loads[refIdx], grays[i], s.loads[i],
			guess, cropInfo, alignCfg, s.log, s.opts.Verbose)
	}
	for i := refIdx - 1; i >= 0; i-- {
		var guess *tasks.AlignTask
		if !s.opts.GlobalAlign {
			guess = s.aligns[i+1]
		}
		s.aligns[i] = tasks.NewAlignTask(
			grays[refIdx], s.loads[refIdx], grays[i], s.loads[i],
			guess, cropInfo, alignCfg, s.log, s.opts.Verbose)
	}
	for _, a := range s.aligns {
		s.add(a)
	}

	if s.opts.AlignOnly {
		for i, a := range s.aligns {
			var img tasks.ImageTask = a
			if !s.opts.AlignKeepSize {
				c := tasks.NewCropTask(a, cropInfo, s.log, s.opts.Verbose)
				s.add(c)
				img = c
			}
			s.addSave(img, s.alignedPath(s.files[i]))
		}
		return
	}

	if s.opts.SaveSteps {
		for i, a := range s.aligns {
			s.addSave(a, s.alignedPath(s.files[i]))
		}
	}

	merge := s.buildMerges()

	var out tasks.ImageTask = merge
	if s.opts.Denoise > 0 {
		d := tasks.NewDenoiseTask(out, s.opts.Denoise, s.log, s.opts.Verbose)
		s.add(d)
		out = d
	}
	crop := !s.opts.NoCrop
	if crop {
		c := tasks.NewCropTask(out, cropInfo, s.log, s.opts.Verbose)
		s.add(c)
		out = c
	}
	s.addSave(out, s.opts.Output)

	if s.opts.Depthmap == "" && s.opts.View3D == "" {
		return
	}

	dm := tasks.NewDepthmapTask(merge, n, tasks.DepthmapConfig{
		Threshold:  s.opts.DepthmapThreshold,
		SmoothXY:   s.opts.DepthmapSmoothXY,
		SmoothZ:    s.opts.DepthmapSmoothZ,
		RemoveBG:   s.opts.RemoveBG,
		HaloRadius: s.opts.HaloRadius,
	}, s.log, s.opts.Verbose)
	s.add(dm)

	var depth tasks.ImageTask = dm
	if crop {
		c := tasks.NewCropTask(dm, cropInfo, s.log, s.opts.Verbose)
		s.add(c)
		depth = c
	}
	if s.opts.Depthmap != "" {
		s.addSave(depth, s.opts.Depthmap)
	}
	if s.opts.View3D != "" {
		v := tasks.NewView3DTask(out, depth, s.view, s.log, s.opts.Verbose)
		s.add(v)
		s.addSave(v, s.opts.View3D)
	}
}

// buildMerges folds the aligned images into one merge task, batching to
// bound how many decoded frames are live at once. Intermediate batches
// carry their own sharpness and index maps, so batch order does not
// change the result.
func (s *FocusStack) buildMerges() *tasks.MergeTask {
	inputs := make([]tasks.MergeInput, len(s.aligns))
	for i, a := range s.aligns {
		inputs[i] = tasks.MergeInput{Task: a, Index: i}
	}

	batch := s.opts.BatchSize
	if batch < 2 {
		batch = len(inputs)
	}

	level := 0
	for len(inputs) > batch {
		var next []tasks.MergeInput
		for start := 0; start < len(inputs); start += batch {
			end := min(start+batch, len(inputs))
			chunk := inputs[start:end]
			if len(chunk) == 1 {
				next = append(next, chunk[0])
				continue
			}
			name := fmt.Sprintf("Merge batch %d.%d", level, len(next))
			m := tasks.NewMergeTask(name, chunk, s.opts.Consistency, s.log, s.opts.Verbose)
			s.add(m)
			if s.opts.SaveSteps {
				s.addSave(m, s.stepPath(fmt.Sprintf("batch_%d_%d", level, len(next))))
			}
			next = append(next, tasks.MergeInput{Task: m, Index: -1})
		}
		inputs = next
		level++
	}

	merge := tasks.NewMergeTask("Merge", inputs, s.opts.Consistency, s.log, s.opts.Verbose)
	s.add(merge)
	return merge
}

// Run waits for the inputs if requested, executes the graph and records
// the outcome. Buffers still held after a failed run are released before
// returning.
func (s *FocusStack) Run(ctx context.Context) error {
	if s.opts.WaitImages > 0 {
		timeout := time.Duration(s.opts.WaitImages * float64(time.Second))
		if err := watch.WaitForFiles(ctx, s.files, timeout, s.log); err != nil {
			return err
		}
	}
	defer s.cleanup()

	runID := newRunID()
	if s.store != nil {
		if err := s.store.RecordRunStart(runID, len(s.files), s.opts.Output); err != nil {
			s.log.Warn("failed to record run start", "error", err)
		}
	}

	w := tasks.NewWorker(s.opts.Threads, s.log)
	if s.store != nil {
		w.SetObserver(func(name string, state tasks.State, d time.Duration, err error) {
			_ = s.store.RecordTask(runID, name, state.String(), d, errString(err))
		})
	}

	start := time.Now()
	err := w.RunAll(ctx, s.all)
	duration := time.Since(start)

	failed := 0
	for _, t := range s.all {
		if t.State() == tasks.StateFailed {
			failed++
		}
	}
	logging.LogRunSummary(s.log, len(s.all), failed, duration)

	if s.store != nil {
		status := "completed"
		if err != nil {
			status = "failed"
		}
		if rerr := s.store.RecordRunResult(runID, status, errString(err)); rerr != nil {
			s.log.Warn("failed to record run result", "error", rerr)
		}
	}
	return err
}

func (s *FocusStack) cleanup() {
	for _, t := range s.all {
		if it, ok := t.(tasks.ImageTask); ok {
			it.ReleaseImage()
		}
	}
	for _, a := range s.aligns {
		a.Close()
	}
}

func (s *FocusStack) add(ts ...tasks.Task) {
	s.all = append(s.all, ts...)
}

func (s *FocusStack) addSave(src tasks.ImageTask, path string) {
	sv := tasks.NewSaveTask(src, path, s.opts.JPGQuality, s.log, s.opts.Verbose)
	s.add(sv)
	s.saves = append(s.saves, sv)
}

// alignedPath places an aligned copy of file next to the main output.
func (s *FocusStack) alignedPath(file string) string {
	dir := filepath.Dir(s.opts.Output)
	return filepath.Join(dir, "aligned_"+filepath.Base(file))
}

// stepPath names an intermediate result next to the main output, with
// the output's extension.
func (s *FocusStack) stepPath(step string) string {
	dir := filepath.Dir(s.opts.Output)
	return filepath.Join(dir, step+filepath.Ext(s.opts.Output))
}

func newRunID() string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("stack-%s-%04d", ts, rand.Intn(10000))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
