package workitem

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile reads work items from a JSON file. Items without a status
// start open. The file is a plain array:
//
//	[{"id": "w1", "code": "G104", "severity": "high", ...}, ...]
func LoadFile(path string) ([]*Item, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read work items file: %w", err)
	}

	var items []*Item
	if err := json.Unmarshal(content, &items); err != nil {
		return nil, fmt.Errorf("failed to parse work items file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		if it == nil || it.ID == "" {
			return nil, fmt.Errorf("work item at index %d has no id", i)
		}
		if _, dup := seen[it.ID]; dup {
			return nil, fmt.Errorf("duplicate work item id %q", it.ID)
		}
		seen[it.ID] = struct{}{}
		if it.Status == "" {
			it.Status = StatusOpen
		}
		if !it.Status.Valid() {
			return nil, fmt.Errorf("work item %s has unknown status %q", it.ID, it.Status)
		}
	}
	return items, nil
}
