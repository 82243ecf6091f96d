package frontmatter

// Data is a string-keyed, loosely-typed bag that preserves insertion order
// of its keys. It is the in-memory representation of a work-item's YAML
// header: unknown keys round-trip untouched, and typed accessors let callers
// read the recognized ones without repeating type assertions.
type Data struct {
	order []string
	vals  map[string]interface{}
}

// NewData returns an empty Data bag.
func NewData() *Data {
	return &Data{vals: make(map[string]interface{})}
}

// Keys returns the bag's keys in insertion order.
func (d *Data) Keys() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Get returns the raw value for key and whether it was present.
func (d *Data) Get(key string) (interface{}, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// Set assigns value to key, appending key to the order if it is new.
func (d *Data) Set(key string, value interface{}) {
	if _, exists := d.vals[key]; !exists {
		d.order = append(d.order, key)
	}
	d.vals[key] = value
}

// Delete removes key, if present.
func (d *Data) Delete(key string) {
	if _, exists := d.vals[key]; !exists {
		return
	}
	delete(d.vals, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Clone returns a deep-enough copy safe for independent mutation of
// top-level keys (nested maps/slices are shared, matching yaml.v3's own
// decode semantics for those types).
func (d *Data) Clone() *Data {
	out := NewData()
	for _, k := range d.order {
		out.Set(k, d.vals[k])
	}
	return out
}

// GetString returns key as a string, and whether it was present and typed.
func (d *Data) GetString(key string) (string, bool) {
	v, ok := d.vals[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool returns key as a bool, defaulting to false when absent or
// mistyped.
func (d *Data) GetBool(key string) bool {
	v, ok := d.vals[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// GetInt returns key as an int, defaulting to 0 when absent. YAML decodes
// unadorned integers as int, but values that round-tripped through
// interface{} arithmetic may arrive as int64 or float64, so all three are
// accepted.
func (d *Data) GetInt(key string) int {
	v, ok := d.vals[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// GetStringList returns key as a []string, skipping any non-string
// elements rather than failing outright.
func (d *Data) GetStringList(key string) []string {
	v, ok := d.vals[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetMapList returns key as a slice of string-keyed maps, used for
// structured list fields like pending_merge_parents.
func (d *Data) GetMapList(key string) []map[string]interface{} {
	v, ok := d.vals[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		switch m := item.(type) {
		case map[string]interface{}:
			out = append(out, m)
		case map[interface{}]interface{}:
			converted := make(map[string]interface{}, len(m))
			for k, val := range m {
				if ks, ok := k.(string); ok {
					converted[ks] = val
				}
			}
			out = append(out, converted)
		}
	}
	return out
}
