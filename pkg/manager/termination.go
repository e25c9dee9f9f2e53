package manager

import (
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

// TerminationCondition is a pluggable predicate over the most recent
// thread delta. Met returns a non-empty reason when the run should end.
type TerminationCondition interface {
	Met(delta []models.Event) (reason string, done bool)
	Reset()
}

// KeywordTermination terminates when an agent chat message contains the
// keyword (e.g. "TERMINATE").
type KeywordTermination struct {
	Keyword string
}

// NewKeywordTermination creates a keyword condition.
func NewKeywordTermination(keyword string) *KeywordTermination {
	return &KeywordTermination{Keyword: keyword}
}

func (t *KeywordTermination) Met(delta []models.Event) (string, bool) {
	for _, e := range delta {
		msg, ok := e.(*models.ChatMessage)
		if !ok {
			continue
		}
		if strings.Contains(msg.Content, t.Keyword) {
			return "keyword " + t.Keyword + " mentioned by " + msg.Source, true
		}
	}
	return "", false
}

func (t *KeywordTermination) Reset() {}

// StopMessageTermination terminates on any StopMessage in the delta.
// Interrupt stops never flow through here: the manager emits them itself
// and treats them as non-terminal for the session.
type StopMessageTermination struct{}

func (t *StopMessageTermination) Met(delta []models.Event) (string, bool) {
	for _, e := range delta {
		if stop, ok := e.(*models.StopMessage); ok {
			return "stop message from " + stop.Source, true
		}
	}
	return "", false
}

func (t *StopMessageTermination) Reset() {}
