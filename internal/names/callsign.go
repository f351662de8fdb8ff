// Package names generates callsigns for agents that register without one.
package names

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	mu  sync.Mutex
	rng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

var (
	adjectives = []string{
		"amber", "brisk", "calm", "deft", "eager", "fleet",
		"glad", "hardy", "keen", "lucid", "merry", "nimble",
		"plain", "quick", "sharp", "stout", "swift", "tidy",
		"vivid", "wry",
	}

	nouns = []string{
		"anvil", "beacon", "cobble", "dynamo", "ember", "fathom",
		"gantry", "harbor", "ingot", "jetty", "keel", "lantern",
		"mooring", "nacelle", "osprey", "pylon", "quay", "rudder",
		"sextant", "tiller", "vane", "wharf",
	}
)

// Generate returns a callsign of the form adjective-noun-NN, unique
// enough for humans to tell concurrent agents apart. Collisions are
// possible and harmless since agent names are per project.
func Generate() string {
	mu.Lock()
	defer mu.Unlock()
	adj := adjectives[rng.Intn(len(adjectives))]
	noun := nouns[rng.Intn(len(nouns))]
	return fmt.Sprintf("%s-%s-%02d", adj, noun, rng.Intn(100))
}
