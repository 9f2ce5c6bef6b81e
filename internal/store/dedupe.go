package store

import "github.com/sells-group/asset-reconcile/internal/model"

type recordKey struct {
	scope, id string
}

// dedupePlanned keeps the last occurrence of each (scope, id), preserving first-seen order.
func dedupePlanned(records []model.PlannedRecord) []model.PlannedRecord {
	pos := make(map[recordKey]int, len(records))
	out := make([]model.PlannedRecord, 0, len(records))
	for _, p := range records {
		k := recordKey{p.ProjectScope, p.ID}
		if i, ok := pos[k]; ok {
			out[i] = p
			continue
		}
		pos[k] = len(out)
		out = append(out, p)
	}
	return out
}

// dedupeObserved keeps the last occurrence of each (scope, id), preserving first-seen order.
func dedupeObserved(records []model.ObservedRecord) []model.ObservedRecord {
	pos := make(map[recordKey]int, len(records))
	out := make([]model.ObservedRecord, 0, len(records))
	for _, o := range records {
		k := recordKey{o.ProjectScope, o.ID}
		if i, ok := pos[k]; ok {
			out[i] = o
			continue
		}
		pos[k] = len(out)
		out = append(out, o)
	}
	return out
}

// dedupeMappings collapses mappings sharing a natural key onto the highest
// confidence one. A single upsert statement cannot touch a row twice.
func dedupeMappings(mappings []model.ConfirmedMapping) []model.ConfirmedMapping {
	pos := make(map[model.MappingKey]int, len(mappings))
	out := make([]model.ConfirmedMapping, 0, len(mappings))
	for _, m := range mappings {
		k := m.Key()
		if i, ok := pos[k]; ok {
			if m.Confidence > out[i].Confidence {
				out[i] = m
			}
			continue
		}
		pos[k] = len(out)
		out = append(out, m)
	}
	return out
}
