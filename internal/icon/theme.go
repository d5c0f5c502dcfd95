package icon

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var sizeDirPattern = regexp.MustCompile(`^(\d+)(?:x\d+)?(?:@(\d+)x?)?$`)

// rasterExts are the formats peers can render; scalable formats are never sent.
var rasterExts = []string{".png", ".xpm"}

// Theme looks icons up in freedesktop icon theme directories.
type Theme struct {
	baseDirs []string
	themes   []string
}

func NewTheme(baseDirs []string, themes ...string) *Theme {
	out := &Theme{baseDirs: baseDirs}
	for _, t := range themes {
		if t != "" && t != "hicolor" {
			out.themes = append(out.themes, t)
		}
	}
	out.themes = append(out.themes, "hicolor")
	return out
}

// DefaultBaseDirs follows the XDG base directory lookup order for icons.
func DefaultBaseDirs() []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".icons"))
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataHome = filepath.Join(home, ".local", "share")
		}
	}
	if dataHome != "" {
		dirs = append(dirs, filepath.Join(dataHome, "icons"))
	}
	dataDirs := os.Getenv("XDG_DATA_DIRS")
	if dataDirs == "" {
		dataDirs = "/usr/local/share:/usr/share"
	}
	for _, d := range strings.Split(dataDirs, ":") {
		if d != "" {
			dirs = append(dirs, filepath.Join(d, "icons"))
		}
	}
	return append(dirs, "/usr/share/pixmaps")
}

// Lookup returns the path of the largest raster image for the first name that
// resolves in any theme, falling back to unthemed pixmaps.
func (t *Theme) Lookup(names ...string) (string, bool) {
	for _, name := range names {
		if name == "" || strings.ContainsRune(name, filepath.Separator) {
			continue
		}
		for _, theme := range t.themes {
			if path, ok := t.largest(theme, name); ok {
				return path, true
			}
		}
		for _, base := range t.baseDirs {
			for _, ext := range rasterExts {
				candidate := filepath.Join(base, name+ext)
				if isFile(candidate) {
					return candidate, true
				}
			}
		}
	}
	return "", false
}

func (t *Theme) largest(theme, name string) (string, bool) {
	best, bestSize := "", -1
	for _, base := range t.baseDirs {
		root := filepath.Join(base, theme)
		for _, ext := range rasterExts {
			// Themes lay out either <size>/<context>/name or <context>/<size>/name.
			matches, _ := filepath.Glob(filepath.Join(root, "*", "*", name+ext))
			for _, m := range matches {
				rel, err := filepath.Rel(root, m)
				if err != nil {
					continue
				}
				size, ok := dirSize(rel)
				if !ok || size <= bestSize || !isFile(m) {
					continue
				}
				best, bestSize = m, size
			}
		}
	}
	return best, best != ""
}

func dirSize(rel string) (int, bool) {
	for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		m := sizeDirPattern.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		size, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if m[2] != "" {
			if scale, err := strconv.Atoi(m[2]); err == nil && scale > 1 {
				size *= scale
			}
		}
		return size, true
	}
	return 0, false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
