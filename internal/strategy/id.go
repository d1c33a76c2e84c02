package strategy

import (
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a registered strategy.
type ID string

// DefaultID is the fallback for unknown strategy IDs.
const DefaultID ID = "conservativeConfluence"

const optimizedMarker = "_optimized_v"

// OptimizedID names the n-th optimized descendant of base.
func OptimizedID(base ID, n int) ID {
	return ID(fmt.Sprintf("%s%s%d", base.Base(), optimizedMarker, n))
}

// IsOptimized reports whether id names an optimized variant.
func (id ID) IsOptimized() bool {
	_, ok := id.split()
	return ok
}

// Base strips any optimized suffix.
func (id ID) Base() ID {
	if i, ok := id.split(); ok {
		return id[:i]
	}
	return id
}

// Version returns the variant number, or 0 for a base strategy.
func (id ID) Version() int {
	i, ok := id.split()
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(string(id[i+len(optimizedMarker):]))
	return n
}

func (id ID) String() string { return string(id) }

func (id ID) split() (int, bool) {
	i := strings.LastIndex(string(id), optimizedMarker)
	if i <= 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(id[i+len(optimizedMarker):]))
	if err != nil || n <= 0 {
		return 0, false
	}
	return i, true
}
