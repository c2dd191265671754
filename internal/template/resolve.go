package template

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Lookup walks a dotted path ("task.assignee.name") through the value.
func Lookup(root Value, path string) (Value, bool) {
	cur := root
	for _, part := range strings.Split(path, ".") {
		next, ok := cur.Field(part)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Resolve substitutes every {{dotted.path}} placeholder in tmpl with the
// matching value from data. Placeholders with no matching path are left
// verbatim so a misconfigured template degrades visibly instead of erroring.
func Resolve(tmpl string, data Value) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := Lookup(data, path)
		if !ok {
			return match
		}
		return v.Text()
	})
}
