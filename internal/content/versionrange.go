package content

import "fmt"

// VersionRange selects the content versions a parsing strategy applies to.
// End == 0 means the range is unbounded above.
type VersionRange struct {
	Start int
	End   int
}

// Contains reports whether version falls inside the range.
func (r VersionRange) Contains(version int) bool {
	if version < r.Start {
		return false
	}
	return r.End == 0 || version <= r.End
}

func (r VersionRange) String() string {
	if r.End == 0 {
		return fmt.Sprintf("[%d, ...)", r.Start)
	}
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}
