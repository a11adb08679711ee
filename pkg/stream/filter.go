package stream

import "github.com/agentfleet/fleetd/pkg/events"

// filterSet is the compiled form of a client's filter list: one value set per
// filter type. An empty filterSet accepts every event.
type filterSet struct {
	filters []Filter // original declaration, for stats
	byType  map[string]map[string]bool
}

// compileFilters builds a filterSet. Filters repeating a filter type are
// merged into one value set (still OR within the type).
func compileFilters(filters []Filter) *filterSet {
	fs := &filterSet{
		filters: filters,
		byType:  make(map[string]map[string]bool, len(filters)),
	}
	for _, f := range filters {
		set, ok := fs.byType[f.FilterType]
		if !ok {
			set = make(map[string]bool, len(f.Values))
			fs.byType[f.FilterType] = set
		}
		for _, v := range f.Values {
			set[v] = true
		}
	}
	return fs
}

// matches reports whether the event passes every filter. An event without an
// agent never matches a non-empty agent filter; a missing severity tag is
// treated as "info" by the Event itself.
func (fs *filterSet) matches(e *events.Event) bool {
	for filterType, values := range fs.byType {
		if len(values) == 0 {
			continue
		}
		var field string
		switch filterType {
		case FilterEventType:
			field = e.Type()
		case FilterAgent:
			field = e.StringField("agent.name")
		case FilterSeverity:
			field = e.Severity()
		case FilterWorkflow:
			field = e.StringField("workflow_id")
		default:
			// Unknown filter types match nothing.
			return false
		}
		if !values[field] {
			return false
		}
	}
	return true
}
