// Package tier names the visibility tiers a secret can unlock.
package tier

import "fmt"

// Tier classifies the dataset a secret unlocks.
type Tier string

const (
	Decoy Tier = "decoy"
	Real  Tier = "real"

	// Unknown is recorded in the access log before a valid secret is seen.
	Unknown Tier = "unknown"
)

// Parse validates a registrable tier name.
func Parse(s string) (Tier, error) {
	switch Tier(s) {
	case Decoy, Real:
		return Tier(s), nil
	}
	return "", fmt.Errorf("invalid tier %q: must be %q or %q", s, Decoy, Real)
}

func (t Tier) String() string {
	return string(t)
}
