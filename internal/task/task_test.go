package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverDirectoryAndSiblingLayouts(t *testing.T) {
	root := t.TempDir()

	dirTask := filepath.Join(root, "tasks", "filesystem", "easy", "file_reorganize")
	writeFile(t, filepath.Join(dirTask, "description.md"), "move the file")
	writeFile(t, filepath.Join(dirTask, "verify.py"), "import sys\nsys.exit(0)\n")

	siblingCategory := filepath.Join(root, "tasks", "filesystem", "medium")
	writeFile(t, filepath.Join(siblingCategory, "rename_description.md"), "rename things")
	writeFile(t, filepath.Join(siblingCategory, "rename_verify.py"), "import sys\nsys.exit(0)\n")

	cat, err := Discover(root, "filesystem")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	all := cat.Filter("all")
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks, got %d: %+v", len(all), all)
	}

	easyOnly := cat.Filter("easy")
	if len(easyOnly) != 1 || easyOnly[0].TaskID != "file_reorganize" {
		t.Fatalf("unexpected easy filter result: %+v", easyOnly)
	}

	specific := cat.Filter("medium/rename")
	if len(specific) != 1 || specific[0].Name() != "medium__rename" {
		t.Fatalf("unexpected specific filter result: %+v", specific)
	}
}

func TestExecuteTaskSuccessAndFailure(t *testing.T) {
	root := t.TempDir()
	dirTask := filepath.Join(root, "tasks", "filesystem", "easy", "ok")
	writeFile(t, filepath.Join(dirTask, "description.md"), "do it")
	writeFile(t, filepath.Join(dirTask, "verify.py"), "import sys\nsys.exit(0)\n")

	failTask := filepath.Join(root, "tasks", "filesystem", "easy", "fail")
	writeFile(t, filepath.Join(failTask, "description.md"), "do it")
	writeFile(t, filepath.Join(failTask, "verify.py"), "import sys\nsys.stderr.write('bad')\nsys.exit(1)\n")

	cat, err := Discover(root, "filesystem")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	var ok, fail Task
	for _, tk := range cat.Filter("all") {
		switch tk.TaskID {
		case "ok":
			ok = tk
		case "fail":
			fail = tk
		}
	}

	if res, err := cat.ExecuteTask(context.Background(), ok, nil); err != nil || !res.Success {
		t.Fatalf("expected success, got %+v err=%v", res, err)
	}
	if res, err := cat.ExecuteTask(context.Background(), fail, nil); err != nil || res.Success || res.ExitCode == 0 {
		t.Fatalf("expected failure, got %+v err=%v", res, err)
	}
}

func TestExecuteTaskRejectsUnsafeArguments(t *testing.T) {
	root := t.TempDir()
	dirTask := filepath.Join(root, "tasks", "notion", "easy", "dup")
	writeFile(t, filepath.Join(dirTask, "description.md"), "do it")
	writeFile(t, filepath.Join(dirTask, "verify.py"), "import sys\nsys.exit(0)\n")

	cat, err := Discover(root, "notion")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	tk := cat.Filter("all")[0]

	if _, err := cat.ExecuteTask(context.Background(), tk, []string{"id; rm -rf /"}); err == nil {
		t.Fatal("expected unsafe verifier argument to be rejected")
	}
}
