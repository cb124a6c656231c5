package rollxml

import (
	"encoding/xml"
	"strings"
)

// node is a generic element tree for one expanded unit. Tag names are
// matched case-insensitively, the way the roll files mix RL0101Ax and
// rl0101ax across releases.
type node struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
	Nodes   []node `xml:",any"`
}

// find returns the first descendant named tag in document order.
func (n *node) find(tag string) *node {
	for i := range n.Nodes {
		c := &n.Nodes[i]
		if strings.EqualFold(c.XMLName.Local, tag) {
			return c
		}
		if found := c.find(tag); found != nil {
			return found
		}
	}
	return nil
}

// findAll returns every descendant named tag in document order.
func (n *node) findAll(tag string) []*node {
	var out []*node
	for i := range n.Nodes {
		c := &n.Nodes[i]
		if strings.EqualFold(c.XMLName.Local, tag) {
			out = append(out, c)
		}
		out = append(out, c.findAll(tag)...)
	}
	return out
}

// value returns the trimmed text of the first descendant named tag. Missing
// and blank elements both report ok=false.
func (n *node) value(tag string) (string, bool) {
	c := n.find(tag)
	if c == nil {
		return "", false
	}
	v := strings.TrimSpace(c.Text)
	return v, v != ""
}
