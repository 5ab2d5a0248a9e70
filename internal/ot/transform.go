package ot

// Transform rebases op so it applies at version, given the committed log of
// operations that produced version. Each log entry's BaseVersion is the
// version it was applied on, so the entries at or after op.BaseVersion are
// the ones op did not observe.
func Transform(op Operation, version int64, log []Operation) Operation {
	out, _ := TransformChecked(op, version, log)
	return out
}

// TransformChecked is Transform that also reports whether an overlapping
// delete/delete pair was met. Such pairs are left unchanged by the rules.
func TransformChecked(op Operation, version int64, log []Operation) (Operation, bool) {
	if op.BaseVersion == version {
		return op, false
	}

	overlapped := false
	for _, committed := range log {
		if committed.BaseVersion < op.BaseVersion {
			continue
		}
		if Overlaps(op, committed) {
			overlapped = true
		}
		op = TransformAgainst(op, committed)
	}
	op.BaseVersion = version
	return op, overlapped
}

// TransformAgainst rebases op over a single concurrent operation that was
// committed first.
func TransformAgainst(op, concurrent Operation) Operation {
	if op.Kind == KindRetain || concurrent.Kind == KindRetain {
		return op
	}

	switch op.Kind {
	case KindInsert:
		switch concurrent.Kind {
		case KindInsert:
			// Equal positions: the earlier committed insert stays first.
			if concurrent.Position <= op.Position {
				op.Position += concurrent.TextLen()
			}
		case KindDelete:
			if concurrent.Position < op.Position {
				op.Position = max(concurrent.Position, op.Position-concurrent.Length)
			}
		}

	case KindDelete:
		switch concurrent.Kind {
		case KindInsert:
			// Text inserted at the first deleted position belongs to the
			// deleted range.
			n := concurrent.TextLen()
			if concurrent.Position < op.Position {
				op.Position += n
			} else if concurrent.Position < op.Position+op.Length {
				op.Length += n
			}
		case KindDelete:
			switch {
			case concurrent.Position >= op.Position+op.Length:
			case concurrent.Position+concurrent.Length <= op.Position:
				op.Position -= concurrent.Length
			default:
				// Overlapping ranges are left as-is; see Overlaps.
			}
		}
	}
	return op
}

// Overlaps reports the delete/delete case TransformAgainst does not resolve.
func Overlaps(op, concurrent Operation) bool {
	if op.Kind != KindDelete || concurrent.Kind != KindDelete {
		return false
	}
	if concurrent.Position >= op.Position+op.Length {
		return false
	}
	if concurrent.Position+concurrent.Length <= op.Position {
		return false
	}
	return true
}
