package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Snapshot struct {
	ExportedAt time.Time `json:"exported_at" yaml:"exported_at"`
	Count      int       `json:"count" yaml:"count"`
	Entries    []Entry   `json:"entries" yaml:"entries"`
}

// Export renders the whole buffer as json (default) or yaml.
func (f *Feed) Export(format string) ([]byte, error) {
	entries := f.Entries()
	snap := Snapshot{ExportedAt: f.now().UTC(), Count: len(entries), Entries: entries}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return json.MarshalIndent(snap, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(snap)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}
