package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Split identifies one shard of a split command: shard Index out of Num.
type Split struct {
	Index int
	Num   int
}

// NoSplit is the single, unsharded invocation.
var NoSplit = Split{Index: 0, Num: 1}

// Validate reports whether s describes a real shard.
func (s Split) Validate() error {
	if s.Num < 1 {
		return fmt.Errorf("%w: num splits %d < 1", ErrInvalidSplit, s.Num)
	}
	if s.Index < 0 || s.Index >= s.Num {
		return fmt.Errorf("%w: split index %d not in [0, %d)", ErrInvalidSplit, s.Index, s.Num)
	}
	return nil
}

func (s Split) String() string { return fmt.Sprintf("%d/%d", s.Index, s.Num) }

// Partition returns the items assigned to split: those whose position i has
// i mod Num == Index. Over Index 0..Num-1 the partitions are disjoint and
// together hold every item exactly once, in input order. An invalid split
// gets nothing.
func Partition[T any](items []T, split Split) []T {
	if split.Validate() != nil {
		return nil
	}
	out := make([]T, 0, len(items)/split.Num+1)
	for i := split.Index; i < len(items); i += split.Num {
		out = append(out, items[i])
	}
	return out
}

// ShardURI returns a fresh location under base for one shard's output, so
// concurrently running shards never overwrite each other. A later unsharded
// command merges everything found under base.
func ShardURI(base string) string {
	return JoinURI(base, uuid.NewString())
}

// JoinURI joins elem onto a local path or a scheme URI (s3://bucket/key)
// without collapsing the scheme's double slash.
func JoinURI(base string, elem ...string) string {
	scheme := ""
	rest := base
	if i := strings.Index(base, "://"); i >= 0 {
		scheme, rest = base[:i+3], base[i+3:]
	}
	if rest == "" {
		return scheme + path.Join(elem...)
	}
	return scheme + path.Join(append([]string{rest}, elem...)...)
}
