package logsink

// Context is an immutable label set passed explicitly to log calls. It is
// built in layers: static configuration, then process context, then
// call-site overrides, later layers winning.
type Context struct {
	labels map[string]string
}

// NewContext creates a Context holding a copy of labels.
func NewContext(labels map[string]string) Context {
	return Context{labels: mergeLabels(labels)}
}

// With returns a new Context with key set to value. An empty value removes
// the key.
func (c Context) With(key, value string) Context {
	labels := mergeLabels(c.labels, map[string]string{key: value})
	if value == "" {
		delete(labels, key)
	}
	return Context{labels: labels}
}

// Merge returns a new Context where other's labels override c's.
func (c Context) Merge(other Context) Context {
	return Context{labels: mergeLabels(c.labels, other.labels)}
}

// Get returns the value for key.
func (c Context) Get(key string) (string, bool) {
	v, ok := c.labels[key]
	return v, ok
}

// Labels returns a copy of the label set.
func (c Context) Labels() map[string]string {
	return mergeLabels(c.labels)
}

// Len is the number of labels.
func (c Context) Len() int {
	return len(c.labels)
}
