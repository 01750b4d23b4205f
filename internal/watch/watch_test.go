package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWaitForFilesAllPresent(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := WaitForFiles(context.Background(), []string{f}, time.Second, slog.Default()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("existing files should return immediately")
	}
}

func TestWaitForFilesSeesLateArrival(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "late.jpg")

	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(f, []byte("x"), 0o644)
	}()

	if err := WaitForFiles(context.Background(), []string{f}, 5*time.Second, slog.Default()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitForFilesTimesOut(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "never.jpg")

	err := WaitForFiles(context.Background(), []string{missing}, 100*time.Millisecond, slog.Default())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "never.jpg") {
		t.Fatalf("timeout error should name the missing file, got %v", err)
	}
}

func TestWaitForFilesHonorsContext(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "never.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := WaitForFiles(ctx, []string{missing}, 10*time.Second, slog.Default())
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
