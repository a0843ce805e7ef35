package nostr

// Filter is a NIP-01 subscription filter.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	DTags   []string
	PTags   []string
	ETags   []string
	Since   *int64
	Until   *int64
	Limit   int
}

// ToMap renders the filter as the JSON object carried in a REQ message.
// Zero-valued fields are omitted so relays see the minimal filter.
func (f Filter) ToMap() map[string]interface{} {
	m := map[string]interface{}{}
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.DTags) > 0 {
		m["#d"] = f.DTags
	}
	if len(f.PTags) > 0 {
		m["#p"] = f.PTags
	}
	if len(f.ETags) > 0 {
		m["#e"] = f.ETags
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return m
}

// Matches reports whether ev satisfies the filter. Used to post-filter relay
// responses from relays that ignore parts of the filter.
func (f Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.DTags) > 0 && !containsString(f.DTags, ev.TagValue("d")) {
		return false
	}
	if len(f.PTags) > 0 && !matchesAnyTag(f.PTags, ev.TagValues("p")) {
		return false
	}
	if len(f.ETags) > 0 && !matchesAnyTag(f.ETags, ev.TagValues("e")) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}

func matchesAnyTag(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// Int64Ptr is a convenience for Since/Until literals.
func Int64Ptr(v int64) *int64 { return &v }
