package domain

import "time"

// AudioSegment is caller audio handed to a recognizer.
// Either URL or Data is set.
type AudioSegment struct {
	URL        string `json:"url,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// RecognitionResult is the output of speech recognition.
type RecognitionResult struct {
	Text         string         `json:"text"`
	Confidence   float64        `json:"confidence"`
	Intent       string         `json:"intent,omitempty"`
	MatchedSlots map[string]any `json:"matched_slots,omitempty"`
}

// VoiceProfile selects the synthesized voice.
type VoiceProfile struct {
	Voice    string  `json:"voice,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// AudioHandle points at synthesized audio the telephony layer can play.
type AudioHandle struct {
	ID       string        `json:"id"`
	URL      string        `json:"url"`
	Format   string        `json:"format,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// LLMRequest is a completion request for an llm node.
type LLMRequest struct {
	NodeID  string         `json:"node_id"`
	Prompt  string         `json:"prompt"`
	Input   string         `json:"input,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// LLMResult is a completion. Intent is matched against the node's transition guards.
type LLMResult struct {
	Text     string         `json:"text"`
	Intent   string         `json:"intent,omitempty"`
	Slots    map[string]any `json:"slots,omitempty"`
	Escalate bool           `json:"escalate,omitempty"`
}
