// Package cascade groups control loops into cascade chains and runs one chain
// per pass, feeding each master's output into its slaves as their set point.
package cascade

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
)

var (
	ErrParentMissing  = errors.New("parent loop does not exist")
	ErrParentDisabled = errors.New("parent loop is disabled")
	ErrLevelMismatch  = errors.New("cascade level must be one below the parent")
	ErrCycle          = errors.New("parent links form a cycle")
	ErrParentRejected = errors.New("parent loop is rejected")
)

// Group is one schedulable unit: a cascade root with all its descendants, or
// a single independent loop. Levels[0] holds the root.
type Group struct {
	RootID   int64
	Interval time.Duration
	Levels   [][]int64
	Parents  map[int64]int64 // slave -> master
}

// Key identifies the group's shape. Two groups with the same key run the same
// loops in the same order at the same interval.
func (g Group) Key() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(g.RootID, 10))
	b.WriteByte('@')
	b.WriteString(g.Interval.String())
	for _, level := range g.Levels {
		b.WriteByte('|')
		for i, id := range level {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatInt(id, 10))
			if parent, ok := g.Parents[id]; ok {
				b.WriteByte('<')
				b.WriteString(strconv.FormatInt(parent, 10))
			}
		}
	}
	return b.String()
}

// Members returns every loop of the group in execution order.
func (g Group) Members() []int64 {
	var out []int64
	for _, level := range g.Levels {
		out = append(out, level...)
	}
	return out
}

// Plan is the set of groups derived from one configuration snapshot.
type Plan struct {
	Groups []Group
}

func (p Plan) Equal(o Plan) bool {
	if len(p.Groups) != len(o.Groups) {
		return false
	}
	for i := range p.Groups {
		if p.Groups[i].Key() != o.Groups[i].Key() {
			return false
		}
	}
	return true
}

// GroupOf returns the group containing loopID.
func (p Plan) GroupOf(loopID int64) (Group, bool) {
	for _, g := range p.Groups {
		for _, level := range g.Levels {
			if slices.Contains(level, loopID) {
				return g, true
			}
		}
	}
	return Group{}, false
}

// Build validates the enabled loops and arranges them into groups. Loops that
// fail validation are returned in the error map and left out of the plan, as
// are all their descendants. Disabled loops are neither planned nor errors.
func Build(loops []model.ControlLoop) (Plan, map[int64]error) {
	byID := make(map[int64]*model.ControlLoop, len(loops))
	for i := range loops {
		byID[loops[i].ID] = &loops[i]
	}

	rejected := make(map[int64]error)
	for _, l := range loops {
		if !l.Enabled {
			continue
		}
		if err := l.Validate(); err != nil {
			rejected[l.ID] = err
			continue
		}
		if !l.IsCascadeSlave() {
			continue
		}
		parent, ok := byID[*l.ParentID]
		switch {
		case !ok:
			rejected[l.ID] = fmt.Errorf("%w: %d", ErrParentMissing, *l.ParentID)
		case !parent.Enabled:
			rejected[l.ID] = fmt.Errorf("%w: %d", ErrParentDisabled, *l.ParentID)
		case parent.CascadeLevel != l.CascadeLevel-1:
			rejected[l.ID] = fmt.Errorf("%w: level %d under parent %d at level %d",
				ErrLevelMismatch, l.CascadeLevel, parent.ID, parent.CascadeLevel)
		}
	}

	for _, id := range cycleMembers(loops, byID) {
		if byID[id].Enabled {
			rejected[id] = ErrCycle
		}
	}

	// Propagate rejection down the tree. Walking up from each slave is enough
	// since levels are bounded by the parent chain length.
	for _, l := range loops {
		if !l.Enabled || !l.IsCascadeSlave() {
			continue
		}
		if _, done := rejected[l.ID]; done {
			continue
		}
		seen := map[int64]bool{l.ID: true}
		for cur := byID[*l.ParentID]; cur != nil; {
			if _, bad := rejected[cur.ID]; bad {
				rejected[l.ID] = fmt.Errorf("%w: %d", ErrParentRejected, cur.ID)
				break
			}
			if cur.ParentID == nil || seen[cur.ID] {
				break
			}
			seen[cur.ID] = true
			cur = byID[*cur.ParentID]
		}
	}

	children := make(map[int64][]int64)
	var roots []*model.ControlLoop
	for i := range loops {
		l := &loops[i]
		if !l.Enabled {
			continue
		}
		if _, bad := rejected[l.ID]; bad {
			continue
		}
		if l.IsCascadeSlave() {
			children[*l.ParentID] = append(children[*l.ParentID], l.ID)
		} else {
			roots = append(roots, l)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })

	plan := Plan{Groups: make([]Group, 0, len(roots))}
	for _, root := range roots {
		g := Group{RootID: root.ID, Interval: root.Interval, Parents: map[int64]int64{}}
		level := []int64{root.ID}
		for len(level) > 0 {
			g.Levels = append(g.Levels, level)
			var next []int64
			for _, id := range level {
				for _, child := range children[id] {
					g.Parents[child] = id
					next = append(next, child)
				}
			}
			slices.Sort(next)
			level = next
		}
		plan.Groups = append(plan.Groups, g)
	}
	return plan, rejected
}

// cycleMembers returns every loop that lies on a parent-link cycle.
func cycleMembers(loops []model.ControlLoop, byID map[int64]*model.ControlLoop) []int64 {
	const (
		unvisited = iota
		onPath
		finished
	)
	state := make(map[int64]int, len(loops))
	var out []int64

	for _, start := range loops {
		if state[start.ID] != unvisited {
			continue
		}
		var path []int64
		cur := byID[start.ID]
		for cur != nil && state[cur.ID] == unvisited {
			state[cur.ID] = onPath
			path = append(path, cur.ID)
			if cur.ParentID == nil {
				cur = nil
				break
			}
			cur = byID[*cur.ParentID]
		}
		if cur != nil && state[cur.ID] == onPath {
			idx := slices.Index(path, cur.ID)
			out = append(out, path[idx:]...)
		}
		for _, id := range path {
			state[id] = finished
		}
	}
	slices.Sort(out)
	return out
}
