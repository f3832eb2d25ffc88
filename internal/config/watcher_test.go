package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherFiresOnChangeWhenWatchedFileIsRewritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skills.yaml")
	if err := os.WriteFile(path, []byte("version: \"1.0\"\n"), 0o644); err != nil {
		t.Fatalf("write initial file: %v", err)
	}

	var mu sync.Mutex
	var seen string
	w, err := NewWatcher([]string{path}, 10*time.Millisecond, func(p string) {
		mu.Lock()
		seen = p
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	defer w.Stop()
	go w.Run()

	if err := os.WriteFile(path, []byte("version: \"2.0\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		mu.Lock()
		got := seen
		mu.Unlock()
		if got == path {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected onChange to fire for %s, got %q", path, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
