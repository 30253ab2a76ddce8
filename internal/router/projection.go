package router

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/melih/lighthouse/internal/tag"
)

// Projection maps a tag to a destination key.
type Projection func(tag.Tag) (string, error)

var placeholder = regexp.MustCompile(`\$\{tag\[(\d+)\]\}`)

type templatePart struct {
	literal string
	index   int // 0 for literal parts
}

// CompileTemplate turns a template such as "${tag[1]}.${tag[2]}/${tag[3]}/logs/app.log"
// into a Projection. The result is a slash-separated path relative to the sink root;
// substituted segments may not contain path separators.
func CompileTemplate(template string) (Projection, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("empty destination template")
	}
	var parts []templatePart
	last := 0
	for _, m := range placeholder.FindAllStringSubmatchIndex(template, -1) {
		if m[0] > last {
			parts = append(parts, templatePart{literal: template[last:m[0]]})
		}
		idx, err := strconv.Atoi(template[m[2]:m[3]])
		if err != nil || idx < 1 {
			return nil, fmt.Errorf("template %q: invalid segment index %q", template, template[m[2]:m[3]])
		}
		parts = append(parts, templatePart{index: idx})
		last = m[1]
	}
	if last < len(template) {
		parts = append(parts, templatePart{literal: template[last:]})
	}
	for _, p := range parts {
		if p.index == 0 && strings.Contains(p.literal, "${") {
			return nil, fmt.Errorf("template %q: unsupported placeholder in %q", template, p.literal)
		}
	}
	if strings.HasPrefix(template, "/") {
		return nil, fmt.Errorf("template %q: destination must be relative", template)
	}

	return func(t tag.Tag) (string, error) {
		var b strings.Builder
		for _, p := range parts {
			if p.index == 0 {
				b.WriteString(p.literal)
				continue
			}
			seg, ok := t.Segment(p.index)
			if !ok {
				return "", fmt.Errorf("tag %q has no segment %d", t, p.index)
			}
			if strings.ContainsAny(seg, `/\`) || seg == ".." {
				return "", fmt.Errorf("tag %q: segment %d is not a safe path component", t, p.index)
			}
			b.WriteString(seg)
		}
		dest := b.String()
		if !filepath.IsLocal(filepath.FromSlash(dest)) {
			return "", fmt.Errorf("destination %q escapes the log root", dest)
		}
		return dest, nil
	}, nil
}
