package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotator_RotatesAndKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	r := &Rotator{Filename: path, MaxSize: 10, MaxBackups: 2}
	defer r.Close()

	for _, line := range []string{"first-line\n", "second-line\n", "third-line\n"} {
		if _, err := r.Write([]byte(line)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	cur, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(cur) != "third-line\n" {
		t.Errorf("Expected live file to hold the last line, got %q", cur)
	}
	b1, _ := os.ReadFile(path + ".1")
	if string(b1) != "second-line\n" {
		t.Errorf("Expected .1 to hold second line, got %q", b1)
	}
	b2, _ := os.ReadFile(path + ".2")
	if string(b2) != "first-line\n" {
		t.Errorf("Expected .2 to hold first line, got %q", b2)
	}
}

func TestRotator_AppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &Rotator{Filename: path, MaxSize: 1024, MaxBackups: 1}
	if _, err := r.Write([]byte("new\n")); err != nil {
		t.Fatal(err)
	}
	r.Close()

	b, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(b), "old\n") || !strings.HasSuffix(string(b), "new\n") {
		t.Errorf("Expected appended content, got %q", b)
	}
}

func TestSetup_InvalidLevel(t *testing.T) {
	if _, err := Setup(Options{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid level")
	}
}
