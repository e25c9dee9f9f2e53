package models

import (
	"encoding/json"
	"fmt"
)

// envelope is the persisted form of an Event: the kind tag plus the
// variant's own JSON payload.
type envelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalEvent serialises an event into its tagged envelope form.
func MarshalEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{Kind: e.Kind(), Payload: payload})
}

// UnmarshalEvent deserialises a tagged envelope back into its concrete
// event variant. Unknown kinds are an error: the persisted thread is
// authoritative and silent drops would corrupt tool-pair adjacency.
func UnmarshalEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}

	var e Event
	switch env.Kind {
	case KindChatMessage:
		e = &ChatMessage{}
	case KindStreamingChunk:
		e = &StreamingChunk{}
	case KindToolCallRequest:
		e = &ToolCallRequest{}
	case KindToolCallExecution:
		e = &ToolCallExecution{}
	case KindSelectorEvent:
		e = &SelectorEvent{}
	case KindStopMessage:
		e = &StopMessage{}
	case KindUserInputRequest:
		e = &UserInputRequested{}
	case KindStateUpdate:
		e = &StateUpdate{}
	case KindAnalysisUpdate:
		e = &AnalysisUpdate{}
	case KindTermination:
		e = &Termination{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}

	if err := json.Unmarshal(env.Payload, e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Kind, err)
	}
	return e, nil
}

// MarshalThread serialises an event thread as a JSON array of envelopes.
func MarshalThread(thread []Event) ([]byte, error) {
	raw := make([]json.RawMessage, len(thread))
	for i, e := range thread {
		data, err := MarshalEvent(e)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		raw[i] = data
	}
	return json.Marshal(raw)
}

// UnmarshalThread deserialises a JSON array of envelopes back into events.
func UnmarshalThread(data []byte) ([]Event, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal thread: %w", err)
	}
	thread := make([]Event, len(raw))
	for i, r := range raw {
		e, err := UnmarshalEvent(r)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		thread[i] = e
	}
	return thread, nil
}
