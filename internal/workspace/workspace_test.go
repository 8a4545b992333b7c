package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}

	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"FlowsDir", ws.FlowsDir, "flows"},
		{"TemplatesDir", ws.TemplatesDir, "templates"},
		{"SandboxDir", ws.SandboxDir, "sandbox"},
		{"DataDir", ws.DataDir, "data"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(ws.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			if _, err := os.Stat(got); err != nil {
				t.Errorf("directory not created: %v", err)
			}
		})
	}
}

func TestDataDirPermissions(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(ws.DataDir())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("data dir permissions = %o, want 0700", perm)
	}
}

func TestCleanSandbox(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	sbDir := ws.SandboxDir()
	os.MkdirAll(filepath.Join(sbDir, "vsh-1"), 0750)
	os.MkdirAll(filepath.Join(sbDir, "sbx-2"), 0750)
	os.WriteFile(filepath.Join(sbDir, "vsh-1", "greet.sh"), []byte("echo hi"), 0644)

	if err := ws.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox: %v", err)
	}

	entries, _ := os.ReadDir(sbDir)
	if len(entries) != 0 {
		t.Errorf("sandbox dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanSandboxNoop(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	os.RemoveAll(filepath.Join(ws.Root, "sandbox"))
	if err := ws.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox on missing dir: %v", err)
	}
}

func TestEnsureAll(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"flows", "templates", "sandbox", "data"} {
		p := filepath.Join(ws.Root, sub)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
