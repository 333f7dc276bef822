package gateway

// Helpers for walking decoded JSON trees.  A path element is either a
// string (object key) or an int (array index); a missing step yields
// the zero value.

func walk(v any, path ...any) any {
	for _, p := range path {
		switch key := p.(type) {
		case string:
			obj, ok := v.(map[string]any)
			if !ok {
				return nil
			}
			v = obj[key]
		case int:
			arr, ok := v.([]any)
			if !ok || key < 0 || key >= len(arr) {
				return nil
			}
			v = arr[key]
		default:
			return nil
		}
	}
	return v
}

// Has reports whether path resolves to a non-null value.
func Has(v any, path ...any) bool {
	return walk(v, path...) != nil
}

// Str returns the string at path, or "".
func Str(v any, path ...any) string {
	s, _ := walk(v, path...).(string)
	return s
}

// Num returns the number at path, or 0.
func Num(v any, path ...any) float64 {
	n, _ := walk(v, path...).(float64)
	return n
}

// Bool returns the boolean at path.
func Bool(v any, path ...any) bool {
	b, _ := walk(v, path...).(bool)
	return b
}

// Arr returns the array at path, or nil.
func Arr(v any, path ...any) []any {
	a, _ := walk(v, path...).([]any)
	return a
}

// Obj returns the object at path, or nil.
func Obj(v any, path ...any) map[string]any {
	o, _ := walk(v, path...).(map[string]any)
	return o
}

// LinkByRel scans a HATEOAS links array for the entry whose "rel"
// matches rel and returns its "href".
func LinkByRel(v any, rel string) string {
	for _, l := range Arr(v, "links") {
		if Str(l, "rel") == rel {
			return Str(l, "href")
		}
	}
	return ""
}
