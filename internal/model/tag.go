package model

import (
	"fmt"
	"strings"
)

// Tag identifies the language runtime a worker hosts. Pools, runtimes and
// package paths are all keyed by tag.
type Tag string

// Supported capability tags.
const (
	TagNode   Tag = "node"
	TagPython Tag = "python"
	TagRuby   Tag = "ruby"
	TagGo     Tag = "go"
)

// Tags lists every supported tag in a stable order.
var Tags = []Tag{TagNode, TagPython, TagRuby, TagGo}

// ParseTag returns the Tag matching s, ignoring case.
func ParseTag(s string) (Tag, error) {
	t := Tag(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Tags {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tag %q", s)
}

func (t Tag) String() string {
	return string(t)
}
