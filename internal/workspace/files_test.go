package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"clean name passes through", "report.csv", "report.csv"},
		{"path separators replaced", "../../etc/passwd", "_.._etc_passwd"},
		{"windows-unsafe characters replaced", `a<b>c:d"e|f?g*.txt`, "a_b_c_d_e_f_g_.txt"},
		{"surrounding dots and spaces trimmed", "  .hidden. ", "hidden"},
		{"empty becomes placeholder", "", "unnamed_file"},
		{"only invalid characters becomes placeholder", "...", "unnamed_file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeFilename(tc.in))
		})
	}

	t.Run("long names keep the extension", func(t *testing.T) {
		long := strings.Repeat("a", 300) + ".csv"
		got := SanitizeFilename(long)
		assert.LessOrEqual(t, len(got), 255)
		assert.True(t, strings.HasSuffix(got, ".csv"))
	})
}

func TestFilesSaveAndList(t *testing.T) {
	dir := t.TempDir()
	files := NewFiles(dir)

	info, err := files.Save("data.csv", strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, "data.csv", info.Name)
	assert.Equal(t, int64(8), info.Size)
	assert.Contains(t, info.MimeType, "text")

	_, err = files.Save("notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	t.Run("list everything sorted by name", func(t *testing.T) {
		infos, err := files.List("")
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "data.csv", infos[0].Name)
		assert.Equal(t, "notes.txt", infos[1].Name)
	})

	t.Run("glob filter", func(t *testing.T) {
		infos, err := files.List("*.csv")
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "data.csv", infos[0].Name)
	})

	t.Run("recursive glob matches nested files", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "plots"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "plots", "fig.png"), []byte{0x89, 'P', 'N', 'G'}, 0o644))

		infos, err := files.List("**/*.png")
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "plots/fig.png", infos[0].Name)
	})

	t.Run("invalid pattern is rejected", func(t *testing.T) {
		_, err := files.List("[")
		assert.Error(t, err)
	})

	t.Run("upload name is sanitized", func(t *testing.T) {
		info, err := files.Save("../escape.txt", strings.NewReader("x"))
		require.NoError(t, err)
		assert.Equal(t, "_escape.txt", info.Name)
		_, err = os.Stat(filepath.Join(dir, "_escape.txt"))
		assert.NoError(t, err)
	})
}

func TestFilesOpen(t *testing.T) {
	dir := t.TempDir()
	files := NewFiles(dir)
	_, err := files.Save("ok.txt", strings.NewReader("content"))
	require.NoError(t, err)

	t.Run("opens a workspace file", func(t *testing.T) {
		f, err := files.Open("ok.txt")
		require.NoError(t, err)
		f.Close()
	})

	t.Run("rejects traversal", func(t *testing.T) {
		_, err := files.Open("../../etc/passwd")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := files.Open("absent.txt")
		assert.Error(t, err)
	})
}
