package harness

import (
	"os"
	"sort"
	"strings"
)

// WriteDotEnv writes vars as KEY=VALUE lines, keys sorted so identical
// inputs produce identical files. The file is private to one spawn and
// lives in that spawn's temp dir.
func WriteDotEnv(path string, vars map[string]string) error {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(vars[k])
		b.WriteString("\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
