package resolver

import (
	"strconv"
	"strings"

	"github.com/taskmill/taskmill/pkg/schema"
)

// pathSegment is one component of a parsed field path. Either Key is set
// (object access) or IsIndex is true and Index holds an array position.
type pathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

// parsePath splits a dot/bracket field path into segments.
// "items[0]._id" yields [key:items, index:0, key:_id].
func parsePath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeResolution, "empty field path")
	}

	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, schema.NewErrorf(schema.ErrCodeResolution, "empty segment in path %q", path)
		}
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				segs = append(segs, pathSegment{Key: part})
				break
			}
			if open > 0 {
				segs = append(segs, pathSegment{Key: part[:open]})
			}
			closing := strings.IndexByte(part[open:], ']')
			if closing == -1 {
				return nil, schema.NewErrorf(schema.ErrCodeResolution, "unclosed array index in path %q", path)
			}
			closing += open
			idx, err := strconv.Atoi(part[open+1 : closing])
			if err != nil || idx < 0 {
				return nil, schema.NewErrorf(schema.ErrCodeResolution,
					"invalid array index %q in path %q", part[open+1:closing], path)
			}
			segs = append(segs, pathSegment{Index: idx, IsIndex: true})
			part = part[closing+1:]
			if strings.HasPrefix(part, "[") {
				continue
			}
			if part != "" {
				return nil, schema.NewErrorf(schema.ErrCodeResolution,
					"unexpected characters %q after array index in path %q", part, path)
			}
		}
	}
	return segs, nil
}

// getPath navigates into nested maps/slices using a parsed field path.
// The boolean reports whether every segment resolved.
func getPath(root any, path string) (any, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}

	current := root
	for _, seg := range segs {
		if seg.IsIndex {
			arr, ok := current.([]any)
			if !ok || seg.Index >= len(arr) {
				return nil, false
			}
			current = arr[seg.Index]
			continue
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, ok := obj[seg.Key]
		if !ok {
			return nil, false
		}
		current = val
	}
	return current, true
}

// setPath writes val at the field path inside root, auto-creating
// intermediate objects and extending arrays as needed. It returns the
// (possibly replaced) root.
func setPath(root any, path string, val any) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return root, err
	}
	return setSegments(root, segs, val, path)
}

func setSegments(node any, segs []pathSegment, val any, path string) (any, error) {
	if len(segs) == 0 {
		return val, nil
	}
	seg := segs[0]

	if seg.IsIndex {
		arr, ok := node.([]any)
		if !ok {
			if node != nil {
				return nil, schema.NewErrorf(schema.ErrCodeResolution,
					"cannot index into non-array at %q (type %T)", path, node)
			}
			arr = nil
		}
		for len(arr) <= seg.Index {
			arr = append(arr, nil)
		}
		child, err := setSegments(arr[seg.Index], segs[1:], val, path)
		if err != nil {
			return nil, err
		}
		arr[seg.Index] = child
		return arr, nil
	}

	obj, ok := node.(map[string]any)
	if !ok {
		if node != nil {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"cannot set key %q on non-object at %q (type %T)", seg.Key, path, node)
		}
		obj = make(map[string]any)
	}
	child, err := setSegments(obj[seg.Key], segs[1:], val, path)
	if err != nil {
		return nil, err
	}
	obj[seg.Key] = child
	return obj, nil
}
