package inn

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter uint64

// Unique appends an _ followed by a process-wide counter to name.
// Gorgonia hash-conses input nodes by name and shape, so every input
// or learnable node added by this package goes through Unique.
func Unique(name string) string {
	return fmt.Sprintf("%v_%v", name, atomic.AddUint64(&uniqueCounter, 1))
}
