package termination

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PhraseTable holds the lexical cues the classifier looks for. Matching is a
// case-insensitive substring test.
type PhraseTable struct {
	Decline     []string `yaml:"decline" json:"decline"`
	Acknowledge []string `yaml:"acknowledge" json:"acknowledge"`
}

// DefaultPhrases is the built-in English table.
func DefaultPhrases() PhraseTable {
	return PhraseTable{
		Decline: []string{
			"not interested",
			"no deal",
			"i decline",
			"we decline",
			"i must decline",
			"i reject",
			"reject your offer",
			"cannot accept",
			"can't accept",
			"not acceptable",
			"unacceptable",
			"walk away",
			"i'll pass",
			"i will pass",
			"we'll pass",
			"not going to work",
			"won't work for me",
			"no longer interested",
			"look elsewhere",
			"end this negotiation",
		},
		Acknowledge: []string{
			"understood",
			"i understand",
			"we understand",
			"fair enough",
			"no problem",
			"respect your decision",
			"thank you for your time",
			"thanks for your time",
			"good luck",
			"best of luck",
			"sorry it didn't work out",
			"all the best",
		},
	}
}

// LoadPhraseTable reads a YAML table. Missing sections fall back to the
// defaults so a file may override only one list.
func LoadPhraseTable(path string) (PhraseTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PhraseTable{}, fmt.Errorf("read phrase table: %w", err)
	}
	var t PhraseTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return PhraseTable{}, fmt.Errorf("parse phrase table: %w", err)
	}
	def := DefaultPhrases()
	if len(t.Decline) == 0 {
		t.Decline = def.Decline
	}
	if len(t.Acknowledge) == 0 {
		t.Acknowledge = def.Acknowledge
	}
	return t.normalized(), nil
}

func (t PhraseTable) normalized() PhraseTable {
	return PhraseTable{
		Decline:     normalizeAll(t.Decline),
		Acknowledge: normalizeAll(t.Acknowledge),
	}
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsAny(text string, phrases []string) bool {
	text = strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
