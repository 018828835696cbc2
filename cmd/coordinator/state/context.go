package state

import "strings"

// SplitPath splits a dotted context path into its section and inner path.
// "state.results" -> ("state", "results"); "output" -> ("output", "").
func SplitPath(path string) (section, inner string) {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

func (c ContextSnapshot) section(name string) map[string]any {
	switch name {
	case "input":
		return c.Input
	case "state":
		return c.State
	case "output":
		return c.Output
	}
	return nil
}

// Lookup resolves a dotted context path against the snapshot
func (c ContextSnapshot) Lookup(path string) (any, bool) {
	section, inner := SplitPath(path)
	doc := c.section(section)
	if doc == nil {
		return nil, false
	}
	if inner == "" {
		return doc, true
	}

	var cur any = doc
	for _, key := range strings.Split(inner, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// WithValue returns a snapshot with one path overlaid. Maps along the path
// are copied so the original snapshot stays immutable; planning uses this to
// evaluate conditions against pending writes without mutating its input.
func (c ContextSnapshot) WithValue(path string, value any) ContextSnapshot {
	section, inner := SplitPath(path)
	doc := c.section(section)

	var updated map[string]any
	if inner == "" {
		if m, ok := value.(map[string]any); ok {
			updated = m
		} else {
			updated = map[string]any{}
		}
	} else {
		updated = setPath(doc, strings.Split(inner, "."), value)
	}

	out := c
	switch section {
	case "input":
		out.Input = updated
	case "state":
		out.State = updated
	case "output":
		out.Output = updated
	}
	return out
}

func setPath(doc map[string]any, keys []string, value any) map[string]any {
	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}

	if len(keys) == 1 {
		out[keys[0]] = value
		return out
	}

	child, _ := out[keys[0]].(map[string]any)
	out[keys[0]] = setPath(child, keys[1:], value)
	return out
}
