package aggregate

import (
	"github.com/ringstat/ringstat/model"
)

type profileKey struct {
	frame string
	state string
}

type profileNode struct {
	frame       string
	state       string
	sampleCount int64
	children    []*profileNode
	index       map[profileKey]*profileNode // lazily built for wide nodes
}

// indexThreshold is the number of children above which lookups use a map
const indexThreshold = 8

func (n *profileNode) child(frame, state string) *profileNode {
	k := profileKey{frame, state}
	if n.index != nil {
		if c := n.index[k]; c != nil {
			return c
		}
	} else {
		for _, c := range n.children {
			if c.frame == frame && c.state == state {
				return c
			}
		}
	}
	c := &profileNode{frame: frame, state: state}
	n.children = append(n.children, c)
	if n.index != nil {
		n.index[k] = c
	} else if len(n.children) > indexThreshold {
		n.index = make(map[profileKey]*profileNode, len(n.children))
		for _, cc := range n.children {
			n.index[profileKey{cc.frame, cc.state}] = cc
		}
	}
	return c
}

func (n *profileNode) merge(in *model.ProfileNode) {
	n.sampleCount += in.SampleCount
	for _, c := range in.Children {
		if c == nil {
			continue
		}
		n.child(c.Frame, c.LeafThreadState).merge(c)
	}
}

func (n *profileNode) snapshot() *model.ProfileNode {
	out := &model.ProfileNode{
		Frame:           n.frame,
		LeafThreadState: n.state,
		SampleCount:     n.sampleCount,
	}
	if len(n.children) > 0 {
		out.Children = make([]*model.ProfileNode, 0, len(n.children))
		for _, c := range n.children {
			out.Children = append(out.Children, c.snapshot())
		}
	}
	return out
}

// ProfileTree accumulates sampled stack trees. Nodes with the same frame
// path are merged and their sample counts added.
// It is not safe for concurrent use.
type ProfileTree struct {
	root profileNode // synthetic, holds the root frames
}

// NewProfileTree returns an empty tree
func NewProfileTree() *ProfileTree {
	return &ProfileTree{}
}

// Merge folds the given root frames into the tree
func (p *ProfileTree) Merge(roots []*model.ProfileNode) {
	for _, r := range roots {
		if r == nil {
			continue
		}
		p.root.child(r.Frame, r.LeafThreadState).merge(r)
	}
}

// SampleCount returns the total number of samples in the root frames
func (p *ProfileTree) SampleCount() int64 {
	var total int64
	for _, c := range p.root.children {
		total += c.sampleCount
	}
	return total
}

// Empty reports if no samples were merged
func (p *ProfileTree) Empty() bool {
	return len(p.root.children) == 0
}

// Snapshot returns an independent copy of the root frames
func (p *ProfileTree) Snapshot() []*model.ProfileNode {
	if len(p.root.children) == 0 {
		return nil
	}
	out := make([]*model.ProfileNode, 0, len(p.root.children))
	for _, c := range p.root.children {
		out = append(out, c.snapshot())
	}
	return out
}
