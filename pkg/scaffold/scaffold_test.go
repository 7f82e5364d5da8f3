package scaffold

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sitekeeper/pkg/errs"
)

func TestGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blog")

	if err := Generate(dir, "blog", 5042); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for _, rel := range []string{
		"app.py",
		"run_site.py",
		filepath.Join("templates", "index.html"),
		filepath.Join("static", "css", "style.css"),
	} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}

	app, err := os.ReadFile(filepath.Join(dir, "app.py"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(app), "port=5042") {
		t.Errorf("app.py missing port:\n%s", app)
	}

	run, err := os.ReadFile(filepath.Join(dir, "run_site.py"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(run), "http://127.0.0.1:5042") {
		t.Errorf("run_site.py missing url:\n%s", run)
	}

	html, err := os.ReadFile(filepath.Join(dir, "templates", "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(html), "Welcome to blog") {
		t.Errorf("index.html missing site name:\n%s", html)
	}
	// The Jinja expression must survive the Go template pass untouched.
	if !strings.Contains(string(html), `{{ url_for("static",filename="css/style.css") }}`) {
		t.Errorf("index.html lost jinja expression:\n%s", html)
	}
}

func TestUpdatePort(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blog")
	if err := Generate(dir, "blog", 5000); err != nil {
		t.Fatal(err)
	}

	if err := UpdatePort(dir, "blog", 5000, 5007); err != nil {
		t.Fatalf("UpdatePort: %v", err)
	}

	for _, file := range []string{"app.py", "run_site.py"} {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(string(data), "5000") {
			t.Errorf("%s still references old port:\n%s", file, data)
		}
		if !strings.Contains(string(data), "port=5007") {
			t.Errorf("%s missing new port:\n%s", file, data)
		}
	}
}

func TestGenerateExistingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blog")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	err := Generate(dir, "blog", 5000)
	if !errs.IsKind(err, errs.ConflictingTarget) {
		t.Errorf("err = %v, want CONFLICTING_TARGET", err)
	}
}
