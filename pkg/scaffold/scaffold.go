// Package scaffold generates the starter Flask project for a new site:
// app.py, run_site.py, an index template and a stylesheet, with the site's
// port baked into the Python sources.
package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"sitekeeper/pkg/errs"
	"sitekeeper/pkg/util"
)

//go:embed templates
var templatesFS embed.FS

// The generated HTML carries Jinja expressions, so site templates use
// [[ ]] delimiters instead of the default.
var siteTemplates = template.Must(
	template.New("site").Delims("[[", "]]").ParseFS(templatesFS, "templates/*.tmpl"),
)

// RunScript is the entry point file Generate writes into each site
// directory. The supervisor launches it to start the site.
const RunScript = "run_site.py"

type siteData struct {
	Name string
	Port int
}

// Generate creates dir and fills it with the starter project. The directory
// must not already exist. On any failure the partially written directory is
// removed so a retry starts clean.
func Generate(dir, name string, port int) error {
	if util.Exists(dir) {
		return errs.Newf(errs.ConflictingTarget, "scaffold", name, "directory already exists: %s", dir)
	}

	if err := write(dir, name, port); err != nil {
		os.RemoveAll(dir)
		return err
	}
	return nil
}

func write(dir, name string, port int) error {
	dirs := []string{
		dir,
		filepath.Join(dir, "templates"),
		filepath.Join(dir, "static", "css"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return errs.Wrap(errs.IOFailure, "scaffold", name, err)
		}
	}

	data := siteData{Name: name, Port: port}
	files := map[string]string{
		"app.py.tmpl":      filepath.Join(dir, "app.py"),
		"run_site.py.tmpl": filepath.Join(dir, RunScript),
		"index.html.tmpl":  filepath.Join(dir, "templates", "index.html"),
	}
	for tmpl, dest := range files {
		var buf bytes.Buffer
		if err := siteTemplates.ExecuteTemplate(&buf, tmpl, data); err != nil {
			return errs.Wrap(errs.IOFailure, "scaffold", name, err)
		}
		if err := os.WriteFile(dest, buf.Bytes(), 0644); err != nil {
			return errs.Wrap(errs.IOFailure, "scaffold", name, err)
		}
	}

	css, err := templatesFS.ReadFile("templates/style.css")
	if err != nil {
		return errs.Wrap(errs.IOFailure, "scaffold", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "static", "css", "style.css"), css, 0644); err != nil {
		return errs.Wrap(errs.IOFailure, "scaffold", name, err)
	}
	return nil
}

// UpdatePort rewrites the port baked into the generated Python sources.
// Used when a site comes back from an archive and its original port has been
// taken in the meantime.
func UpdatePort(dir, name string, oldPort, newPort int) error {
	replacements := map[string]string{
		fmt.Sprintf("port=%d", oldPort):             fmt.Sprintf("port=%d", newPort),
		fmt.Sprintf("http://127.0.0.1:%d", oldPort): fmt.Sprintf("http://127.0.0.1:%d", newPort),
	}
	for _, file := range []string{"app.py", RunScript} {
		path := filepath.Join(dir, file)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errs.Wrap(errs.IOFailure, "scaffold", name, err)
		}
		content := string(data)
		for old, repl := range replacements {
			content = strings.ReplaceAll(content, old, repl)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return errs.Wrap(errs.IOFailure, "scaffold", name, err)
		}
	}
	return nil
}
