// Package discovery abstracts how the agent finds existing group members to
// contact at join time.
package discovery

// Discovery provides seed addresses for the group join.
type Discovery interface {
	Seeds() []string
}
