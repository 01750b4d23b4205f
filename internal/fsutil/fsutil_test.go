package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListImagesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jpg", "a.JPG", "c.png", "notes.txt", "raw.nef"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := ListImages(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a.JPG"),
		filepath.Join(dir, "b.jpg"),
		filepath.Join(dir, "c.png"),
		filepath.Join(dir, "raw.nef"),
	}
	if len(files) != len(want) {
		t.Fatalf("got %d files %v, want %d", len(files), files, len(want))
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("position %d: got %q, want %q", i, files[i], want[i])
		}
	}
}

func TestIsRAWFile(t *testing.T) {
	if !IsRAWFile("photo.NEF") {
		t.Fatal("NEF should be RAW")
	}
	if IsRAWFile("photo.jpg") {
		t.Fatal("jpg is not RAW")
	}
}

func TestAllExist(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(a, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !AllExist([]string{a}) {
		t.Fatal("existing file reported missing")
	}
	if AllExist([]string{a, filepath.Join(dir, "missing.jpg")}) {
		t.Fatal("missing file reported present")
	}
}
