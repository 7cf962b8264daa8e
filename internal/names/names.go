// Package names produces stable project slugs and memorable agent names.
package names

import (
	"math/rand"
	"regexp"
	"strings"

	"github.com/agentmail/agentmail/internal/types"
)

var adjectives = []string{
	"Amber", "Ancient", "Autumn", "Azure", "Bold", "Brave", "Bright",
	"Bronze", "Calm", "Cedar", "Clever", "Cobalt", "Copper", "Coral",
	"Crimson", "Crystal", "Dapper", "Dawn", "Deep", "Dusty", "Eager",
	"Ebony", "Emerald", "Fable", "Fleet", "Frost", "Gentle", "Gold",
	"Golden", "Granite", "Green", "Grey", "Hazel", "Hidden", "Humble",
	"Iron", "Ivory", "Jade", "Jolly", "Keen", "Lively", "Lucid", "Lunar",
	"Maple", "Marble", "Mellow", "Mighty", "Misty", "Noble", "Obsidian",
	"Olive", "Onyx", "Opal", "Pale", "Pearl", "Plucky", "Polar", "Proud",
	"Purple", "Quiet", "Rapid", "Raven", "Red", "Royal", "Ruby", "Rustic",
	"Sable", "Saffron", "Sage", "Scarlet", "Silent", "Silver", "Sleek",
	"Solar", "Spry", "Stout", "Sunny", "Swift", "Tawny", "Teal", "Tidy",
	"Topaz", "Tranquil", "True", "Umber", "Velvet", "Verdant", "Vivid",
	"Wild", "Winter", "Witty", "Zesty",
}

var nouns = []string{
	"Anchor", "Archway", "Badger", "Beacon", "Bear", "Birch", "Bison",
	"Bridge", "Brook", "Canyon", "Castle", "Cavern", "Cedar", "Cliff",
	"Comet", "Condor", "Cove", "Crane", "Creek", "Crow", "Delta", "Drake",
	"Eagle", "Ember", "Falcon", "Fern", "Finch", "Fjord", "Forge", "Fox",
	"Garden", "Glacier", "Grove", "Harbor", "Hawk", "Heron", "Hollow",
	"Island", "Jaguar", "Keep", "Kestrel", "Lagoon", "Lake", "Lantern",
	"Lark", "Lighthouse", "Lion", "Lynx", "Meadow", "Mesa", "Mill",
	"Moose", "Mountain", "Oak", "Orchard", "Osprey", "Otter", "Owl",
	"Panther", "Peak", "Pine", "Plateau", "Pond", "Prairie", "Quarry",
	"Raven", "Reef", "Ridge", "River", "Rook", "Sparrow", "Spire",
	"Spring", "Summit", "Swan", "Tiger", "Tower", "Trail", "Tundra",
	"Valley", "Willow", "Wolf", "Wren",
}

var (
	nonSlug = regexp.MustCompile(`[^a-z0-9]+`)
	alnumRE = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	stripRE = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// maxNameAttempts bounds the random retry loop before giving up with
// NAME_EXHAUSTION.
const maxNameAttempts = 1000

// MaxNameLen is the longest accepted agent name hint.
const MaxNameLen = 40

// Slugify derives a stable filesystem-safe slug from a project human key.
// Runs of non-alphanumerics collapse to a single hyphen; an empty result
// falls back to "project".
func Slugify(humanKey string) string {
	s := strings.ToLower(humanKey)
	s = nonSlug.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "project"
	}
	return s
}

// Sanitize strips an agent name hint down to its alphanumeric characters.
func Sanitize(hint string) string {
	return stripRE.ReplaceAllString(hint, "")
}

// ValidName reports whether a name is usable as an agent name.
func ValidName(name string) bool {
	return name != "" && len(name) <= MaxNameLen && alnumRE.MatchString(name)
}

// Unique returns a free agent name. A sanitized non-empty hint wins when
// unclaimed; otherwise random adjective+noun pairs are drawn until one is
// free. taken reports whether a candidate is already claimed in the project.
func Unique(taken func(string) bool, hint string) (string, error) {
	if s := Sanitize(hint); ValidName(s) && !taken(s) {
		return s, nil
	}
	for i := 0; i < maxNameAttempts; i++ {
		candidate := adjectives[rand.Intn(len(adjectives))] + nouns[rand.Intn(len(nouns))]
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return "", types.E(types.KindNameExhaustion,
		"could not find a free agent name after %d attempts", maxNameAttempts)
}
