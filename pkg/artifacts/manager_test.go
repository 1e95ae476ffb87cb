package artifacts

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPublishAndRetrieve(t *testing.T) {
	manager, err := NewFileArtifactsManager(filepath.Join(t.TempDir(), ".artifacts"))
	if err != nil {
		t.Fatal(err)
	}

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{
		"dist/pkg-1.0-py3-none-any.whl": "wheel bytes",
		"dist/pkg-1.0.tar.gz":           "sdist bytes",
		"src/ignored.py":                "",
	})

	published, err := manager.PublishArtifact("build", workspace, []string{"dist/*.whl", "dist/*.tar.gz"})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(published)
	if len(published) != 2 {
		t.Fatalf("expected 2 published paths, got %v", published)
	}

	dest := t.TempDir()
	retrieved, err := manager.RetrieveArtifact("build", dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(retrieved) != 2 {
		t.Fatalf("expected 2 retrieved paths, got %v", retrieved)
	}

	contents, err := os.ReadFile(filepath.Join(dest, "dist", "pkg-1.0-py3-none-any.whl"))
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "wheel bytes" {
		t.Errorf("expected the original contents, got %q", contents)
	}

	if _, err := os.Stat(filepath.Join(dest, "src", "ignored.py")); err == nil {
		t.Error("expected unmatched files to stay out of the artifact set")
	}
}

func TestPublishRequiresMatches(t *testing.T) {
	manager, err := NewFileArtifactsManager(filepath.Join(t.TempDir(), ".artifacts"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = manager.PublishArtifact("build", t.TempDir(), []string{"dist/*.whl"})
	if err == nil {
		t.Error("expected an error when no files match")
	}
}

func TestPublishTwiceFails(t *testing.T) {
	manager, err := NewFileArtifactsManager(filepath.Join(t.TempDir(), ".artifacts"))
	if err != nil {
		t.Fatal(err)
	}

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{"out.bin": "x"})

	if _, err := manager.PublishArtifact("build", workspace, []string{"out.bin"}); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.PublishArtifact("build", workspace, []string{"out.bin"}); err == nil {
		t.Error("expected the second publish for a job to fail")
	}
}

func TestRetrieveUnknownJob(t *testing.T) {
	manager, err := NewFileArtifactsManager(filepath.Join(t.TempDir(), ".artifacts"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := manager.RetrieveArtifact("ghost", t.TempDir()); err == nil {
		t.Error("expected an error for an unpublished job")
	}
	if manager.Published("ghost") {
		t.Error("expected Published to report false for an unpublished job")
	}
}

func TestPublishedDirectories(t *testing.T) {
	manager, err := NewFileArtifactsManager(filepath.Join(t.TempDir(), ".artifacts"))
	if err != nil {
		t.Fatal(err)
	}

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{
		"site/index.html":     "<html>",
		"site/assets/app.css": "body{}",
	})

	if _, err := manager.PublishArtifact("docs", workspace, []string{"site"}); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if _, err := manager.RetrieveArtifact("docs", dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "site", "assets", "app.css")); err != nil {
		t.Errorf("expected nested directory contents retrieved: %v", err)
	}
}
