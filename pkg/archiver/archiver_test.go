package archiver

import (
	"os"
	"path/filepath"
	"testing"

	"sitekeeper/pkg/errs"
)

func writeSiteDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	files := map[string]string{
		"app.py":                  "from flask import Flask\n",
		"run_site.py":             "from app import app\n",
		"templates/index.html":    "<h1>hi</h1>\n",
		"static/css/style.css":    "body{}\n",
		"static/css/.placeholder": "",
	}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return files
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	base := t.TempDir()
	srcDir := filepath.Join(base, "blog")
	artifact := filepath.Join(base, "_archive", "blog.zip")
	files := writeSiteDir(t, srcDir)

	if err := Archive("blog", srcDir, artifact); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := os.Stat(srcDir); !os.IsNotExist(err) {
		t.Errorf("source directory survived archive")
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if _, err := os.Stat(artifact + partialSuffix); !os.IsNotExist(err) {
		t.Errorf(".partial file left behind")
	}

	destDir := filepath.Join(base, "blog")
	if err := Restore("blog", artifact, destDir); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Errorf("artifact survived restore")
	}

	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(destDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Errorf("restored file %s: %v", rel, err)
			continue
		}
		if string(got) != want {
			t.Errorf("restored %s = %q, want %q", rel, got, want)
		}
	}
}

func TestArchiveMissingSource(t *testing.T) {
	base := t.TempDir()
	err := Archive("blog", filepath.Join(base, "nope"), filepath.Join(base, "blog.zip"))
	if !errs.IsKind(err, errs.IOFailure) {
		t.Errorf("err = %v, want IO_FAILURE", err)
	}
}

func TestArchiveExistingArtifact(t *testing.T) {
	base := t.TempDir()
	srcDir := filepath.Join(base, "blog")
	writeSiteDir(t, srcDir)
	artifact := filepath.Join(base, "blog.zip")
	if err := os.WriteFile(artifact, []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	err := Archive("blog", srcDir, artifact)
	if !errs.IsKind(err, errs.ConflictingTarget) {
		t.Errorf("err = %v, want CONFLICTING_TARGET", err)
	}
	if _, err := os.Stat(srcDir); err != nil {
		t.Errorf("source lost on refused archive: %v", err)
	}
}

func TestRestoreExistingDir(t *testing.T) {
	base := t.TempDir()
	srcDir := filepath.Join(base, "blog")
	artifact := filepath.Join(base, "blog.zip")
	writeSiteDir(t, srcDir)
	if err := Archive("blog", srcDir, artifact); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(srcDir, 0755); err != nil {
		t.Fatal(err)
	}

	err := Restore("blog", artifact, srcDir)
	if !errs.IsKind(err, errs.ConflictingTarget) {
		t.Errorf("err = %v, want CONFLICTING_TARGET", err)
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Errorf("artifact lost on refused restore: %v", err)
	}
}

func TestRestoreCorruptArtifact(t *testing.T) {
	base := t.TempDir()
	artifact := filepath.Join(base, "blog.zip")
	if err := os.WriteFile(artifact, []byte("this is not a zip"), 0644); err != nil {
		t.Fatal(err)
	}

	err := Restore("blog", artifact, filepath.Join(base, "blog"))
	if !errs.IsKind(err, errs.IOFailure) {
		t.Errorf("err = %v, want IO_FAILURE", err)
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Errorf("corrupt artifact deleted: %v", err)
	}
}

func TestVerify(t *testing.T) {
	base := t.TempDir()
	srcDir := filepath.Join(base, "blog")
	artifact := filepath.Join(base, "blog.zip")
	writeSiteDir(t, srcDir)
	if err := Archive("blog", srcDir, artifact); err != nil {
		t.Fatal(err)
	}

	if err := Verify(artifact); err != nil {
		t.Errorf("Verify on good artifact: %v", err)
	}

	// Truncating the file breaks the central directory.
	info, err := os.Stat(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(artifact, info.Size()/2); err != nil {
		t.Fatal(err)
	}
	if err := Verify(artifact); err == nil {
		t.Errorf("Verify accepted truncated artifact")
	}
}

func TestVerifyExtracted(t *testing.T) {
	base := t.TempDir()
	srcDir := filepath.Join(base, "blog")
	artifact := filepath.Join(base, "blog.zip")
	writeSiteDir(t, srcDir)
	if err := writeZip(srcDir, artifact); err != nil {
		t.Fatal(err)
	}

	destDir := filepath.Join(base, "restored")
	if err := extractZip(artifact, destDir); err != nil {
		t.Fatal(err)
	}
	if err := verifyExtracted(artifact, destDir); err != nil {
		t.Errorf("verifyExtracted on full tree: %v", err)
	}

	if err := os.Remove(filepath.Join(destDir, "app.py")); err != nil {
		t.Fatal(err)
	}
	if err := verifyExtracted(artifact, destDir); err == nil {
		t.Errorf("missing entry accepted")
	}

	if err := os.WriteFile(filepath.Join(destDir, "app.py"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := verifyExtracted(artifact, destDir); err == nil {
		t.Errorf("size mismatch accepted")
	}
}

func TestRemove(t *testing.T) {
	base := t.TempDir()
	artifact := filepath.Join(base, "blog.zip")
	if err := os.WriteFile(artifact, []byte("zip"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(artifact+partialSuffix, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Remove("blog", artifact); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Errorf("artifact survived Remove")
	}
	if _, err := os.Stat(artifact + partialSuffix); !os.IsNotExist(err) {
		t.Errorf(".partial survived Remove")
	}

	if err := Remove("blog", artifact); err != nil {
		t.Errorf("Remove on missing artifact: %v", err)
	}
}
