// Package stub provides offline speech and language providers for local runs
// and tests. None of them reach the network.
package stub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/google/uuid"
)

// TextScheme marks an audio URL that carries its own transcript, e.g. "text:check my balance".
const TextScheme = "text:"

// CannedTranscript is returned when a segment carries nothing readable.
const CannedTranscript = "hello I want my account balance"

// Recognizer reads transcripts that travel with the audio instead of decoding it.
type Recognizer struct{}

// NewRecognizer creates a Recognizer.
func NewRecognizer() *Recognizer { return &Recognizer{} }

// Name implements ports.Recognizer.
func (*Recognizer) Name() string { return "stub" }

// Recognize resolves, in order: a text: URL, a segment whose format is "text",
// a .txt file next to a local recording, and finally CannedTranscript.
func (*Recognizer) Recognize(ctx context.Context, audio domain.AudioSegment, _ string) (domain.RecognitionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.RecognitionResult{}, err
	}
	if strings.HasPrefix(audio.URL, TextScheme) {
		return heard(strings.TrimPrefix(audio.URL, TextScheme)), nil
	}
	if audio.Format == "text" && len(audio.Data) > 0 {
		return heard(string(audio.Data)), nil
	}
	if path, ok := localPath(audio.URL); ok {
		sidecar := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
		if data, err := os.ReadFile(sidecar); err == nil {
			return heard(string(data)), nil
		}
	}
	return domain.RecognitionResult{Text: CannedTranscript, Confidence: 0.5}, nil
}

func heard(text string) domain.RecognitionResult {
	return domain.RecognitionResult{Text: strings.TrimSpace(text), Confidence: 1}
}

func localPath(url string) (string, bool) {
	switch {
	case url == "":
		return "", false
	case strings.HasPrefix(url, "file://"):
		return strings.TrimPrefix(url, "file://"), true
	case strings.Contains(url, "://"):
		return "", false
	default:
		return url, true
	}
}

// Synthesizer hands out playable URLs without producing audio.
type Synthesizer struct {
	baseURL string
}

// NewSynthesizer creates a Synthesizer whose handles live under baseURL.
func NewSynthesizer(baseURL string) *Synthesizer {
	return &Synthesizer{baseURL: strings.TrimRight(baseURL, "/")}
}

// Name implements ports.Synthesizer.
func (*Synthesizer) Name() string { return "stub" }

// Synthesize returns {baseURL}/{uuid}.wav with a duration estimated from the word count.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, _ domain.VoiceProfile) (domain.AudioHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.AudioHandle{}, err
	}
	if strings.TrimSpace(text) == "" {
		return domain.AudioHandle{}, fmt.Errorf("nothing to synthesize: %w", domain.ErrProviderError)
	}
	id := uuid.NewString()
	return domain.AudioHandle{
		ID:       id,
		URL:      fmt.Sprintf("%s/%s.wav", s.baseURL, id),
		Format:   "wav",
		Duration: time.Duration(len(strings.Fields(text))) * 400 * time.Millisecond,
	}, nil
}
