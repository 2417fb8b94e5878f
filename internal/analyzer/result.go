package analyzer

import (
	"sort"
	"strconv"
	"strings"
)

// Emotion is one label of the predicted distribution.
type Emotion struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Result is a decoded prediction. Emotions are sorted by descending value;
// values are whatever scale the endpoint uses and need not sum to 100.
type Result struct {
	Emotions       []Emotion `json:"emotions"`
	Dominant       string    `json:"dominant,omitempty"`
	Reply          string    `json:"reply"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// SortEmotions orders a label→value map for display. Ties break by label.
func SortEmotions(probs map[string]float64) []Emotion {
	out := make([]Emotion, 0, len(probs))
	for label, v := range probs {
		out = append(out, Emotion{Label: label, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Summary renders "label: value%" pairs joined by ", ".
func (r Result) Summary() string {
	parts := make([]string, 0, len(r.Emotions))
	for _, e := range r.Emotions {
		parts = append(parts, e.Label+": "+strconv.FormatFloat(e.Value, 'f', -1, 64)+"%")
	}
	return strings.Join(parts, ", ")
}
