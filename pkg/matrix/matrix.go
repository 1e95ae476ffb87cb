// Package matrix expands a job's axes and include entries into the concrete
// set of assignments its instances run under.
package matrix

import "github.com/opnlabs/gantry/pkg/models"

// Expand produces the distinct assignments for a job matrix. The base set is
// the cartesian product of the axes in declaration order, with the last axis
// varying fastest. Include entries then either augment matching base
// combinations with extra fields or append as new combinations. A nil matrix
// expands to a single empty assignment.
//
// Axes are assumed validated: the loader rejects empty value lists before
// expansion runs.
func Expand(m *models.Matrix) []models.Assignment {
	if m == nil || (len(m.Axes) == 0 && len(m.Include) == 0) {
		return []models.Assignment{{}}
	}

	base := product(m.Axes)
	for _, inc := range m.Include {
		axisKeys, extraKeys := splitKeys(m, inc)
		matched := false
		if len(m.Axes) > 0 {
			for i := range base {
				if matchesAxes(base[i], inc, axisKeys) {
					matched = true
					for _, k := range extraKeys {
						v, _ := inc.Get(k)
						base[i].Set(k, v)
					}
				}
			}
		}
		if !matched {
			base = append(base, inc.Clone())
		}
	}

	return dedup(base)
}

// Count returns how many instances a matrix expands to without keeping the
// assignments, for validation limits.
func Count(m *models.Matrix) int {
	return len(Expand(m))
}

// product walks the axes odometer-style so combinations come out in a stable
// order: the first axis varies slowest.
func product(axes []models.Axis) []models.Assignment {
	if len(axes) == 0 {
		return nil
	}
	total := 1
	for _, ax := range axes {
		total *= len(ax.Values)
	}
	if total == 0 {
		return nil
	}

	out := make([]models.Assignment, 0, total)
	idx := make([]int, len(axes))
	for {
		asg := models.Assignment{}
		for i, ax := range axes {
			asg.Set(ax.Name, ax.Values[idx[i]])
		}
		out = append(out, asg)

		pos := len(axes) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(axes[pos].Values) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return out
		}
	}
}

// splitKeys partitions an include's keys into those naming declared axes and
// the extra fields it would merge in.
func splitKeys(m *models.Matrix, inc models.Assignment) (axisKeys, extraKeys []string) {
	for _, k := range inc.Keys() {
		if m.Axis(k) != nil {
			axisKeys = append(axisKeys, k)
		} else {
			extraKeys = append(extraKeys, k)
		}
	}
	return axisKeys, extraKeys
}

// matchesAxes reports whether every axis-named key of the include agrees
// with the combination. An include with no axis keys matches everything.
func matchesAxes(combo, inc models.Assignment, axisKeys []string) bool {
	for _, k := range axisKeys {
		want, _ := inc.Get(k)
		got, ok := combo.Get(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// dedup collapses identical full assignments, keeping the first occurrence's
// position.
func dedup(in []models.Assignment) []models.Assignment {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, asg := range in {
		key := asg.Canonical()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, asg)
	}
	return out
}
