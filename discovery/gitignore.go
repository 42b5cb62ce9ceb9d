package discovery

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// ignoreRules is a simplified, non-recursive .gitignore interpreter: one
// glob pattern per line against the path relative to the project root,
// "#" comments, trailing "/" meaning directory-only. It deliberately does
// not implement negation (!pattern) or nested .tachignore files — the
// "ignore" crate the original leans on does, but nothing in the example
// pack carries an equivalent Go dependency, so this stays intentionally
// small rather than half-reimplementing it (see DESIGN.md).
type ignoreRules struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	glob    string
	dirOnly bool
}

func loadIgnoreRules(root string) (ignoreRules, error) {
	var rules ignoreRules
	for _, name := range []string{".tachignore", ".gitignore"} {
		path := filepath.Join(root, name)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return rules, err
		}
		func() {
			defer f.Close()
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				dirOnly := strings.HasSuffix(line, "/")
				glob := strings.TrimSuffix(line, "/")
				rules.patterns = append(rules.patterns, ignorePattern{glob: glob, dirOnly: dirOnly})
			}
		}()
	}
	return rules, nil
}

// matches reports whether rel (path relative to the project root) is
// excluded. isDir lets directory-only patterns apply only to directory
// entries, matching gitignore's trailing-slash semantics.
func (r ignoreRules) matches(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	base := filepath.Base(rel)
	for _, p := range r.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if ok, _ := filepath.Match(p.glob, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p.glob, rel); ok {
			return true
		}
	}
	return false
}
