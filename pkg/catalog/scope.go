package catalog

// ResolveScope picks the items a batch run works on: the selected set when it
// is non-empty, otherwise the filtered set. Items that cannot be scored are
// dropped silently, and the result is capped at max items (max <= 0 means no
// cap). Order of the chosen set is preserved.
func ResolveScope(selected, filtered []WorkItem, max int) []WorkItem {
	source := filtered
	if len(selected) > 0 {
		source = selected
	}

	out := make([]WorkItem, 0, len(source))
	seen := make(map[string]struct{}, len(source))
	for _, item := range source {
		if max > 0 && len(out) >= max {
			break
		}
		if !item.Scorable() {
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		out = append(out, item)
	}
	return out
}
