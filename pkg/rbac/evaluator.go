package rbac

// HasPermission reports whether any grant in the set satisfies the requested
// (module, action, level) triple.
//
// A grant satisfies the request when:
//   - it is allowed, and
//   - its module and action match the request exactly, and
//   - its level satisfies the requested level: an unspecified requested level
//     is satisfied by any granted level, LevelAll satisfies every requested
//     level, and otherwise the levels must match exactly.
//
// The function is a total function over its explicit inputs: no side effects,
// no caching, safe to call on every request. Runs in O(len(grants)).
//
// The Owner override is deliberately NOT applied here; callers holding the
// top-level role short-circuit in the session wrapper so this evaluator stays
// pure over explicit inputs.
func HasPermission(grants []Grant, module Module, action Action, level AccessLevel) bool {
	for _, g := range grants {
		if !g.Allowed {
			continue
		}
		if g.Module != module || g.Action != action {
			continue
		}
		if levelSatisfies(g.Level, level) {
			return true
		}
	}
	return false
}

// levelSatisfies reports whether the granted level covers the requested one.
// LevelAll is the supremum of the access-level order and dominates any
// request; an unspecified request is covered by any grant.
func levelSatisfies(granted, requested AccessLevel) bool {
	if requested == LevelUnspecified {
		return true
	}
	if granted == LevelAll {
		return true
	}
	return granted == requested
}
