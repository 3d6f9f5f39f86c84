package credits

// Theme is a catalogue entry.
type Theme struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Premium bool   `json:"isPremium"`
}

var catalogue = []Theme{
	{ID: "system", Name: "System Default"},
	{ID: "midnight-blue", Name: "Midnight Blue"},
	{ID: "chocolate-coffee", Name: "Chocolate Coffee"},
	{ID: "dracula", Name: "Dracula", Premium: true},
	{ID: "aurora-borealis", Name: "Aurora Borealis", Premium: true},
	{ID: "synth-wave", Name: "Synth Wave", Premium: true},
	{ID: "nord-frost", Name: "Nord Frost", Premium: true},
	{ID: "solarized-dusk", Name: "Solarized Dusk", Premium: true},
	{ID: "cherry-blossom", Name: "Cherry Blossom", Premium: true},
}

// LookupTheme returns the catalogue entry for id.
func LookupTheme(id string) (Theme, bool) {
	for _, t := range catalogue {
		if t.ID == id {
			return t, true
		}
	}
	return Theme{}, false
}

// PremiumThemeIDs lists every premium theme in catalogue order.
func PremiumThemeIDs() []string {
	ids := make([]string, 0, len(catalogue))
	for _, t := range catalogue {
		if t.Premium {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
