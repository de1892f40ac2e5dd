// Package workspace manages the per-session working directory: uploads,
// listings and policy-checked URL downloads. Executed code sees this
// directory as its CWD.
package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
)

// FileInfo describes one workspace file.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	MimeType string    `json:"mime_type"`
	Modified time.Time `json:"modified"`
}

// Files is the file store rooted at one session's workspace directory.
type Files struct {
	dir string
}

// NewFiles creates a store over an existing directory.
func NewFiles(dir string) *Files {
	return &Files{dir: dir}
}

// Dir returns the workspace directory.
func (f *Files) Dir() string { return f.dir }

// List walks the workspace and returns files matching pattern (doublestar
// glob over the relative path; empty means everything), sorted by name.
func (f *Files) List(pattern string) ([]FileInfo, error) {
	if pattern != "" {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid glob pattern %q", pattern)
		}
	}

	var (
		mu    sync.Mutex
		infos []FileInfo
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.dir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, rel); !ok {
				return nil
			}
		}
		stat, err := d.Info()
		if err != nil {
			return nil
		}
		mime := ""
		if detected, err := mimetype.DetectFile(path); err == nil {
			mime = detected.String()
		}
		mu.Lock()
		infos = append(infos, FileInfo{
			Name:     rel,
			Size:     stat.Size(),
			MimeType: mime,
			Modified: stat.ModTime(),
		})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking workspace: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Save writes an uploaded file into the workspace under a sanitized name and
// returns its metadata.
func (f *Files) Save(name string, r io.Reader) (FileInfo, error) {
	name = SanitizeFilename(name)
	path := filepath.Join(f.dir, name)

	out, err := os.Create(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("creating %s: %w", name, err)
	}
	defer out.Close()

	size, err := io.Copy(out, r)
	if err != nil {
		os.Remove(path)
		return FileInfo{}, fmt.Errorf("writing %s: %w", name, err)
	}

	mime := ""
	if detected, err := mimetype.DetectFile(path); err == nil {
		mime = detected.String()
	}
	return FileInfo{Name: name, Size: size, MimeType: mime, Modified: time.Now()}, nil
}

// Open returns a reader for a workspace file. The name is resolved strictly
// inside the workspace; traversal attempts fail.
func (f *Files) Open(name string) (*os.File, error) {
	path := filepath.Join(f.dir, filepath.FromSlash(name))
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(f.dir)
	if err != nil {
		return nil, err
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
		return nil, fmt.Errorf("path %q escapes the workspace", name)
	}
	return os.Open(resolved)
}

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SanitizeFilename strips characters that are unsafe on common filesystems
// and bounds the length, preserving the extension where possible.
func SanitizeFilename(name string) string {
	if name == "" {
		return "unnamed_file"
	}

	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = strings.Trim(sanitized, " .")
	if sanitized == "" {
		return "unnamed_file"
	}

	const maxLength = 255
	if len(sanitized) > maxLength {
		ext := filepath.Ext(sanitized)
		if ext != "" && len(ext) < maxLength {
			sanitized = sanitized[:maxLength-len(ext)] + ext
		} else {
			sanitized = sanitized[:maxLength]
		}
	}
	return sanitized
}
