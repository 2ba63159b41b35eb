package aggregate

import (
	"github.com/ringstat/ringstat/model"
)

// MutableTimer accumulates the timer trees of many records.
// Children are matched by name and kept in first-seen order.
type MutableTimer struct {
	Name       string
	Extended   bool
	TotalNanos int64
	Count      int64
	Children   []*MutableTimer
}

// NewRootTimer creates an empty root timer
func NewRootTimer(name string, extended bool) *MutableTimer {
	return &MutableTimer{Name: name, Extended: extended}
}

// Merge adds the values of t and its children to the tree
func (m *MutableTimer) Merge(t *model.Timer) {
	m.TotalNanos += t.TotalNanos
	m.Count += t.Count
	for _, c := range t.Children {
		m.child(c.Name, c.Extended).Merge(c)
	}
}

// MergeMutable merges another accumulated tree into this one
func (m *MutableTimer) MergeMutable(o *MutableTimer) {
	m.TotalNanos += o.TotalNanos
	m.Count += o.Count
	for _, c := range o.Children {
		m.child(c.Name, c.Extended).MergeMutable(c)
	}
}

func (m *MutableTimer) child(name string, extended bool) *MutableTimer {
	for _, c := range m.Children {
		if c.Name == name && c.Extended == extended {
			return c
		}
	}
	c := &MutableTimer{Name: name, Extended: extended}
	m.Children = append(m.Children, c)
	return c
}

// Snapshot returns an independent copy of the tree
func (m *MutableTimer) Snapshot() *model.Timer {
	t := &model.Timer{
		Name:       m.Name,
		Extended:   m.Extended,
		TotalNanos: m.TotalNanos,
		Count:      m.Count,
	}
	if len(m.Children) > 0 {
		t.Children = make([]*model.Timer, 0, len(m.Children))
		for _, c := range m.Children {
			t.Children = append(t.Children, c.Snapshot())
		}
	}
	return t
}

// MergeRootTimer merges t into the list of root timers, matching on name.
// A root timer that is not in the list yet is appended.
func MergeRootTimer(roots []*MutableTimer, t *model.Timer) []*MutableTimer {
	for _, r := range roots {
		if r.Name == t.Name {
			r.Merge(t)
			return roots
		}
	}
	r := NewRootTimer(t.Name, t.Extended)
	r.Merge(t)
	return append(roots, r)
}
