package graph

import "math/rand"

// maxSeed mirrors the upper bound used by sampler nodes (2^50).
const maxSeed = 1125899906842624

// noiseSeedTypes are the sampler node types whose noise_seed input is
// re-randomized on submission.
var noiseSeedTypes = map[string]struct{}{
	"RandomNoise":      {},
	"KSamplerAdvanced": {},
	"SamplerCustom":    {},
	"XlabsSampler":     {},
}

// RandomSeed returns a fresh seed in [0, 2^50].
func RandomSeed() int64 {
	return rand.Int63n(maxSeed + 1)
}

// ApplyRandomSeeds rewrites literal seed inputs with fresh random values so
// resubmitted workflows do not reuse a stale seed. A "seed" input is
// randomized on any node; a "noise_seed" input only on the known sampler
// types. Inputs wired to an upstream link (a JSON array) are left untouched.
func ApplyRandomSeeds(g Graph) {
	for id, node := range g {
		if node.Inputs == nil {
			continue
		}
		if v, ok := node.Inputs["seed"]; ok && !isLink(v) {
			node.Inputs["seed"] = RandomSeed()
		}
		if v, ok := node.Inputs["noise_seed"]; ok && !isLink(v) {
			if _, sampler := noiseSeedTypes[node.ClassType]; sampler {
				node.Inputs["noise_seed"] = RandomSeed()
			}
		}
		g[id] = node
	}
}

// isLink reports whether an input value references an upstream node output
// rather than a literal. Links decode from JSON as arrays.
func isLink(v any) bool {
	switch v.(type) {
	case []any, []string, []int, []float64:
		return true
	default:
		return false
	}
}
