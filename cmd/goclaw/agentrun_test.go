package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
)

// withStdin temporarily replaces os.Stdin with the given content for the
// duration of fn, restoring the original afterward.
func withStdin(t *testing.T, content string, fn func()) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	origStdin := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = origStdin }()

	go func() {
		_, _ = io.Copy(w, bytes.NewBufferString(content))
		w.Close()
	}()

	fn()
}

func TestRunAgentRunCommand_InvalidInputJSON(t *testing.T) {
	withStdin(t, "not json\n", func() {
		code := runAgentRunCommand(context.Background(), nil)
		if code != 1 {
			t.Fatalf("got exit code %d, want 1 for undecodable stdin", code)
		}
	})
}

func TestRunAgentRunCommand_EmptyStdin(t *testing.T) {
	withStdin(t, "", func() {
		code := runAgentRunCommand(context.Background(), nil)
		if code != 1 {
			t.Fatalf("got exit code %d, want 1 for empty stdin", code)
		}
	})
}

func TestRunAgentRunCommand_ConfigLoadFailure(t *testing.T) {
	// GOCLAW_HOME pointing at a plain file (not a directory) makes
	// config.Load's os.MkdirAll fail deterministically before any network call.
	dir := t.TempDir()
	blocker := dir + "/blocker"
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker file: %v", err)
	}
	t.Setenv("GOCLAW_HOME", blocker+"/home")

	withStdin(t, `{"prompt":"hi","group_folder":"g"}`+"\n", func() {
		code := runAgentRunCommand(context.Background(), nil)
		if code != 1 {
			t.Fatalf("got exit code %d, want 1 for config load failure", code)
		}
	})
}
