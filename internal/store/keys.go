package store

import "fmt"

// keys builds the namespace-prefixed key layout documented for the adapter.
// All channel numbers here are 1-indexed (posN/velN, N in 1..7) to match the
// wire schema, even though model.Frame channels are 0-indexed internally.
type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = DefaultNamespace
	}
	return keys{prefix: prefix}
}

func (k keys) status() string    { return k.prefix + ":status" }
func (k keys) timestamp() string { return k.prefix + ":timestamp" }

func (k keys) pos(n int) string        { return fmt.Sprintf("%s:pos%d", k.prefix, n) }
func (k keys) vel(n int) string        { return fmt.Sprintf("%s:vel%d", k.prefix, n) }
func (k keys) posHistory(n int) string { return fmt.Sprintf("%s:pos%d:history", k.prefix, n) }
func (k keys) velHistory(n int) string { return fmt.Sprintf("%s:vel%d:history", k.prefix, n) }

func (k keys) velChange(n int, ts int64) string {
	return fmt.Sprintf("%s:vel_change:%d:%d", k.prefix, n, ts)
}
func (k keys) velChanges(n int) string  { return fmt.Sprintf("%s:vel%d:changes", k.prefix, n) }
func (k keys) velocityChanges() string  { return k.prefix + ":velocity_changes" }
func (k keys) changeCount(n int) string { return fmt.Sprintf("%s:vel%d:change_count", k.prefix, n) }
func (k keys) latestUpdate() string     { return k.prefix + ":latest_update" }
func (k keys) lastError() string        { return k.prefix + ":last_error" }
func (k keys) consecutiveErrors() string {
	return k.prefix + ":consecutive_errors"
}
