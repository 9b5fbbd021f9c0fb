package ports

import (
	"context"

	"github.com/aretw0/dialtone/pkg/domain"
)

// Recognizer turns caller audio into text.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, audio domain.AudioSegment, grammar string) (domain.RecognitionResult, error)
}

// Synthesizer turns prompt text into playable audio.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string, voice domain.VoiceProfile) (domain.AudioHandle, error)
}

// LanguageModel completes llm node prompts.
type LanguageModel interface {
	Name() string
	Complete(ctx context.Context, req domain.LLMRequest) (domain.LLMResult, error)
}
