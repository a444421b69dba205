// Package schema turns parsed table definitions into SQLite DDL and an
// ordered column plan. Array detection runs first so that the projector
// can collapse repeated fields into JSON columns.
package schema

import (
	"sort"
	"strconv"

	"github.com/clarionkit/tpsconvert/core/tps"
)

// ArrayKind discriminates the two array shapes a table can carry.
type ArrayKind uint8

const (
	// SingleField is one field with an element count above one.
	SingleField ArrayKind = iota
	// MultiField is a run of fields sharing a stem and suffixes 1..k.
	MultiField
)

func (k ArrayKind) String() string {
	if k == SingleField {
		return "single_field"
	}
	return "multi_field"
}

// ArrayFieldInfo describes one detected array and the fields it absorbs.
type ArrayFieldInfo struct {
	Kind         ArrayKind
	BaseName     string
	ElementType  uint8
	ElementCount int
	Members      []tps.FieldDef
}

// Analyze inspects a table definition and returns its array descriptors
// in field order. Fields with an element count above one become
// single-field arrays; among the rest, runs of same-typed fields named
// <stem>1..<stem>k with k >= 2 collapse into multi-field arrays.
func Analyze(def *tps.TableDef) []ArrayFieldInfo {
	var out []ArrayFieldInfo
	taken := make(map[int]bool)

	for i, f := range def.Fields {
		if f.ElementCount > 1 {
			taken[i] = true
			out = append(out, ArrayFieldInfo{
				Kind:         SingleField,
				BaseName:     f.Name,
				ElementType:  f.Type,
				ElementCount: int(f.ElementCount),
				Members:      []tps.FieldDef{f},
			})
		}
	}

	type member struct {
		idx    int
		suffix int
	}
	type groupKey struct {
		stem   string
		typ    uint8
		length uint16
	}
	groups := make(map[groupKey][]member)
	order := make(map[groupKey]int)
	for i, f := range def.Fields {
		if taken[i] {
			continue
		}
		stem, suffix, ok := splitSuffix(f.Name)
		if !ok {
			continue
		}
		k := groupKey{stem, f.Type, f.Length}
		if _, seen := order[k]; !seen {
			order[k] = i
		}
		groups[k] = append(groups[k], member{i, suffix})
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return order[keys[a]] < order[keys[b]] })

	for _, k := range keys {
		ms := groups[k]
		sort.Slice(ms, func(a, b int) bool { return ms[a].suffix < ms[b].suffix })
		// keep the tightest contiguous run starting at suffix 1
		run := make([]member, 0, len(ms))
		want := 1
		for _, m := range ms {
			if m.suffix != want {
				break
			}
			run = append(run, m)
			want++
		}
		if len(run) < 2 {
			continue
		}
		conflict := false
		for _, m := range run {
			if taken[m.idx] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		info := ArrayFieldInfo{
			Kind:         MultiField,
			BaseName:     k.stem,
			ElementType:  k.typ,
			ElementCount: len(run),
		}
		for _, m := range run {
			taken[m.idx] = true
			info.Members = append(info.Members, def.Fields[m.idx])
		}
		out = append(out, info)
	}

	sort.Slice(out, func(a, b int) bool {
		return fieldIndex(def, out[a].Members[0]) < fieldIndex(def, out[b].Members[0])
	})
	return out
}

// splitSuffix splits NAME123 into (NAME, 123). Suffixes are 1-based;
// a zero or zero-padded suffix does not mark an array member.
func splitSuffix(name string) (string, int, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) || i == 0 {
		return "", 0, false
	}
	if name[i] == '0' {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return name[:i], n, true
}

func fieldIndex(def *tps.TableDef, f tps.FieldDef) int {
	for i := range def.Fields {
		if def.Fields[i].Name == f.Name && def.Fields[i].Offset == f.Offset {
			return i
		}
	}
	return len(def.Fields)
}
