package profile

import (
	"strings"

	"github.com/becomeliminal/nim-recall/core"
)

// Preference keys produced by the built-in extractors.
const (
	KeyPreferredChannel = "preferred_channel"
	KeyBestContactTime  = "best_contact_time"
	KeyFormality        = "formality"
	KeyTone             = "tone"
)

// AttrPrefPrefix marks derived attributes that are preferences verbatim:
// "pref.language" = "es" becomes preference "language".
const AttrPrefPrefix = "pref."

// Observation is one extracted (key, value) vote.
type Observation struct {
	Key    string
	Value  string
	Weight float64
}

// Extractor derives preference votes from an interaction.
type Extractor func(rec *core.Interaction) []Observation

// DefaultExtractors returns the built-in extractors.
func DefaultExtractors() []Extractor {
	return []Extractor{
		PreferredChannel,
		BestContactTime,
		Formality,
		Tone,
		AttributePreferences,
	}
}

// PreferredChannel votes for the channel a customer chose to write on.
// Outbound messages say nothing about the customer.
func PreferredChannel(rec *core.Interaction) []Observation {
	if rec.Direction != core.Inbound {
		return nil
	}
	return []Observation{{Key: KeyPreferredChannel, Value: string(rec.Channel), Weight: 1}}
}

// BestContactTime votes for the part of day inbound messages arrive in,
// in the timestamp's own location.
func BestContactTime(rec *core.Interaction) []Observation {
	if rec.Direction != core.Inbound || rec.Timestamp.IsZero() {
		return nil
	}
	var part string
	switch h := rec.Timestamp.Hour(); {
	case h >= 5 && h < 12:
		part = "morning"
	case h >= 12 && h < 17:
		part = "afternoon"
	case h >= 17 && h < 21:
		part = "evening"
	default:
		part = "night"
	}
	return []Observation{{Key: KeyBestContactTime, Value: part, Weight: 1}}
}

var (
	formalMarkers = []string{
		"dear ", "good morning", "good afternoon", "good evening",
		"regards", "sincerely", "thank you", "kindly", "please advise",
	}
	informalMarkers = []string{
		"hey", "hiya", "thx", "thanks!", "lol", "gonna", "wanna", "u ", "!!", ":)",
	}
)

// Formality votes formal or casual from greeting and closing habits. Texts
// with no markers, or with as many of each kind, cast no vote.
func Formality(rec *core.Interaction) []Observation {
	if rec.Direction != core.Inbound {
		return nil
	}
	text := " " + strings.ToLower(rec.Text) + " "
	formal, casual := 0, 0
	for _, m := range formalMarkers {
		if strings.Contains(text, m) {
			formal++
		}
	}
	for _, m := range informalMarkers {
		if strings.Contains(text, m) {
			casual++
		}
	}
	switch {
	case formal > casual:
		return []Observation{{Key: KeyFormality, Value: "formal", Weight: 1}}
	case casual > formal:
		return []Observation{{Key: KeyFormality, Value: "casual", Weight: 1}}
	}
	return nil
}

// Tone carries the upstream sentiment label of inbound messages.
func Tone(rec *core.Interaction) []Observation {
	s := strings.ToLower(strings.TrimSpace(rec.Attribute(core.AttrSentiment)))
	if rec.Direction != core.Inbound || s == "" {
		return nil
	}
	return []Observation{{Key: KeyTone, Value: s, Weight: 1}}
}

// AttributePreferences turns "pref.*" derived attributes into votes.
func AttributePreferences(rec *core.Interaction) []Observation {
	var out []Observation
	for k, v := range rec.Attributes {
		key := strings.TrimPrefix(k, AttrPrefPrefix)
		if key == k || key == "" || v == "" {
			continue
		}
		out = append(out, Observation{Key: key, Value: v, Weight: 1})
	}
	return out
}
