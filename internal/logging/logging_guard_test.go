package logging

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
)

var bannedPrint = regexp.MustCompile(`\bfmt\.(Print|Printf|Println|Fprint|Fprintf|Fprintln)\b|\blog\.(Print|Printf|Println|Fatal|Fatalf)\b`)

// Server and observer packages report through slog only; *_render.go files
// may write to an explicit out writer.
var guardedRoots = []string{
	"internal/localapi",
	"internal/approval",
	"internal/eventbus",
	"internal/stream",
	"internal/console",
	"internal/reconcile",
	"internal/feed",
}

func TestNoFmtOrStdLogPrintingInRuntimePaths(t *testing.T) {
	var violations []string
	for _, root := range guardedRoots {
		found, err := scanPrints(filepath.Join("..", "..", root))
		if err != nil {
			t.Fatalf("scan %s: %v", root, err)
		}
		violations = append(violations, found...)
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		t.Fatalf("found banned logging calls:\n%s", strings.Join(violations, "\n"))
	}
}

func scanPrints(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		slashed := filepath.ToSlash(path)
		for i, line := range strings.Split(string(raw), "\n") {
			if bannedPrint.MatchString(line) && !renderWrite(slashed, line) {
				out = append(out, fmt.Sprintf("%s:%d: %s", slashed, i+1, strings.TrimSpace(line)))
			}
		}
		return nil
	})
	return out, err
}

func renderWrite(path, line string) bool {
	return strings.HasSuffix(path, "_render.go") && strings.Contains(line, "fmt.Fprintf(out,")
}
