package tle

// GenericGlyph is used for objects without a featured entry.
const GenericGlyph = "🛰️"

// Feature overrides the display name and glyph of a well-known object.
type Feature struct {
	Name  string `mapstructure:"name" json:"name"`
	Glyph string `mapstructure:"glyph" json:"glyph"`
}

// Featured maps catalog ids to display overrides.
type Featured map[int]Feature

// DefaultFeatured is the built-in override table.
func DefaultFeatured() Featured {
	return Featured{
		25544: {Name: "International Space Station", Glyph: "🏠"},
		48274: {Name: "Tiangong", Glyph: "🏯"},
		20580: {Name: "Hubble Space Telescope", Glyph: "🔭"},
	}
}

// Lookup returns the display name and glyph for a record. rawName is used,
// trimmed, when id is not featured.
func (f Featured) Lookup(id int, rawName string) (name, glyph string) {
	if feat, ok := f[id]; ok {
		name, glyph = feat.Name, feat.Glyph
		if glyph == "" {
			glyph = GenericGlyph
		}
		if name == "" {
			name = rawName
		}
		return name, glyph
	}
	return rawName, GenericGlyph
}
