package stack

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charlie-x/focus-stack/internal/config"
	"github.com/charlie-x/focus-stack/internal/tasks"
)

func fakeFiles(n int) []string {
	files := make([]string, n)
	for i := range files {
		files[i] = fmt.Sprintf("img_%02d.jpg", i)
	}
	return files
}

func testOptions() config.Options {
	opts := config.DefaultOptions()
	opts.Output = filepath.Join("out", "result.jpg")
	return opts
}

func countType[T tasks.Task](all []tasks.Task) int {
	n := 0
	for _, t := range all {
		if _, ok := t.(T); ok {
			n++
		}
	}
	return n
}

func TestNewRejectsTooFewInputs(t *testing.T) {
	if _, err := New(fakeFiles(1), testOptions(), slog.Default(), nil); err == nil {
		t.Fatal("expected error for single input")
	}
}

func TestNewRejectsOversizedStacks(t *testing.T) {
	_, err := New(fakeFiles(257), testOptions(), slog.Default(), nil)
	if err == nil {
		t.Fatal("expected error for more than 256 inputs")
	}
	if !strings.Contains(err.Error(), "256") {
		t.Fatalf("error should name the limit, got %q", err)
	}
}

func TestNewRejectsBadViewpoint(t *testing.T) {
	opts := testOptions()
	opts.View3D = "view.png"
	opts.Viewpoint3D = "1:2"
	if _, err := New(fakeFiles(3), opts, slog.Default(), nil); err == nil {
		t.Fatal("expected error for malformed viewpoint")
	}
}

func TestGraphShape(t *testing.T) {
	s, err := New(fakeFiles(5), testOptions(), slog.Default(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := s.Tasks()

	if err := tasks.ValidateGraph(all); err != nil {
		t.Fatalf("built graph must validate: %v", err)
	}

	if n := countType[*tasks.LoadTask](all); n != 5 {
		t.Fatalf("got %d load tasks, want 5", n)
	}
	if n := countType[*tasks.GrayscaleTask](all); n != 5 {
		t.Fatalf("got %d grayscale tasks, want 5", n)
	}
	if n := countType[*tasks.AlignTask](all); n != 5 {
		t.Fatalf("got %d align tasks, want 5", n)
	}
	if n := countType[*tasks.MergeTask](all); n != 1 {
		t.Fatalf("got %d merge tasks, want 1 below the batch size", n)
	}
	if n := countType[*tasks.DenoiseTask](all); n != 1 {
		t.Fatalf("got %d denoise tasks, want 1", n)
	}
	if n := countType[*tasks.CropTask](all); n != 1 {
		t.Fatalf("got %d crop tasks, want 1", n)
	}
	if n := countType[*tasks.SaveTask](all); n != 1 {
		t.Fatalf("got %d save tasks, want 1", n)
	}

	outs := s.Outputs()
	if len(outs) != 1 || outs[0] != filepath.Join("out", "result.jpg") {
		t.Fatalf("unexpected outputs %v", outs)
	}
}

func TestGraphBatchesLargeStacks(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 8
	s, err := New(fakeFiles(20), opts, slog.Default(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 20 frames at batch size 8: three intermediate batches plus the
	// final merge of the batches.
	if n := countType[*tasks.MergeTask](s.Tasks()); n != 4 {
		t.Fatalf("got %d merge tasks, want 4", n)
	}
	if err := tasks.ValidateGraph(s.Tasks()); err != nil {
		t.Fatalf("batched graph must validate: %v", err)
	}
}

func TestGraphNeighbourSeeding(t *testing.T) {
	s, err := New(fakeFiles(5), testOptions(), slog.Default(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seeded := 0
	for _, task := range s.Tasks() {
		a, ok := task.(*tasks.AlignTask)
		if !ok {
			continue
		}
		for _, dep := range a.Dependencies() {
			if _, ok := dep.(*tasks.AlignTask); ok {
				seeded++
				break
			}
		}
	}
	// Every alignment except the reference's is seeded by a neighbour.
	if seeded != 4 {
		t.Fatalf("got %d seeded alignments, want 4", seeded)
	}
}

func TestGraphGlobalAlignDropsSeeding(t *testing.T) {
	opts := testOptions()
	opts.GlobalAlign = true
	s, err := New(fakeFiles(5), opts, slog.Default(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, task := range s.Tasks() {
		a, ok := task.(*tasks.AlignTask)
		if !ok {
			continue
		}
		for _, dep := range a.Dependencies() {
			if _, ok := dep.(*tasks.AlignTask); ok {
				t.Fatalf("global alignment must not seed from neighbours: %s", a.Name())
			}
		}
	}
}

func TestGraphAlignOnly(t *testing.T) {
	opts := testOptions()
	opts.AlignOnly = true
	s, err := New(fakeFiles(3), opts, slog.Default(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := s.Tasks()

	if n := countType[*tasks.MergeTask](all); n != 0 {
		t.Fatalf("align-only graph has %d merge tasks, want 0", n)
	}
	if n := countType[*tasks.SaveTask](all); n != 3 {
		t.Fatalf("align-only graph has %d save tasks, want 3", n)
	}
	for _, out := range s.Outputs() {
		if !strings.HasPrefix(filepath.Base(out), "aligned_") {
			t.Fatalf("align-only output %q should carry the aligned_ prefix", out)
		}
	}
}

func TestGraphDepthmapAndView(t *testing.T) {
	opts := testOptions()
	opts.Depthmap = filepath.Join("out", "depth.png")
	opts.View3D = filepath.Join("out", "view.png")
	s, err := New(fakeFiles(4), opts, slog.Default(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := s.Tasks()

	if n := countType[*tasks.DepthmapTask](all); n != 1 {
		t.Fatalf("got %d depthmap tasks, want 1", n)
	}
	if n := countType[*tasks.View3DTask](all); n != 1 {
		t.Fatalf("got %d 3D view tasks, want 1", n)
	}
	if n := countType[*tasks.SaveTask](all); n != 3 {
		t.Fatalf("got %d save tasks, want output, depth map and view", n)
	}
	if err := tasks.ValidateGraph(all); err != nil {
		t.Fatalf("graph must validate: %v", err)
	}
}

func TestGraphCarriesParsedViewpoint(t *testing.T) {
	opts := testOptions()
	opts.View3D = filepath.Join("out", "view.png")
	opts.Viewpoint3D = "2:1:0.5:3"
	s, err := New(fakeFiles(3), opts, slog.Default(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, task := range s.Tasks() {
		v, ok := task.(*tasks.View3DTask)
		if !ok {
			continue
		}
		got := v.View()
		want := tasks.Viewpoint{X: 2, Y: 1, Z: 0.5, ZScale: 3}
		if got != want {
			t.Fatalf("view task carries %+v, want %+v", got, want)
		}
		return
	}
	t.Fatal("graph has no 3D view task")
}

func TestGraphNoCropKeepsPaddedOutput(t *testing.T) {
	opts := testOptions()
	opts.NoCrop = true
	s, err := New(fakeFiles(3), opts, slog.Default(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := countType[*tasks.CropTask](s.Tasks()); n != 0 {
		t.Fatalf("got %d crop tasks with nocrop, want 0", n)
	}
}
