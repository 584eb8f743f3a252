package request

import "github.com/google/uuid"

// idNamespace scopes seeded request ids so they never collide with ids
// derived from the same seed by another system.
var idNamespace = uuid.MustParse("6f1c2b7e-3d4a-4e8b-9a51-0c2d7e9f4b13")

// Identity allocates request ids.
//
// With a seed the id is a name-based UUID of the seed, so every node that
// sees the same seed for one logical operation derives the same id. Without
// a seed a random UUID is returned, which is what a standalone coordinator
// uses.
type Identity struct{}

// Next returns the id for seed, or a random id when seed is empty.
func (Identity) Next(seed string) string {
	if seed == "" {
		return uuid.NewString()
	}
	return uuid.NewMD5(idNamespace, []byte(seed)).String()
}
