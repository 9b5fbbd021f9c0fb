package stub_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aretw0/dialtone/pkg/adapters/stub"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleModel_Classify(t *testing.T) {
	m := stub.NewRuleModel()
	tests := []struct {
		input    string
		intent   string
		escalate bool
	}{
		{"What's my account balance?", stub.IntentAccountBalance, false},
		{"I want to pay my BILL", stub.IntentPayments, false},
		{"payments please", stub.IntentPayments, false},
		{"let me talk to a human", stub.IntentConnectAgent, true},
		{"Representative!", stub.IntentConnectAgent, true},
		{"hi there", stub.IntentGreeting, false},
		{"this is odd", stub.IntentUnknown, false},
		{"   ", stub.IntentNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			res := m.Classify(tt.input)
			assert.Equal(t, tt.intent, res.Intent)
			assert.Equal(t, tt.escalate, res.Escalate)
			assert.NotEmpty(t, res.Text)
		})
	}
}

func TestRuleModel_CustomRulesAndContext(t *testing.T) {
	m := stub.NewRuleModel(stub.Rule{
		Keywords: []string{"cancel"},
		Result:   domain.LLMResult{Intent: "cancel", Text: "Cancelled."},
	})
	res, err := m.Complete(context.Background(), domain.LLMRequest{Input: "cancel my order"})
	require.NoError(t, err)
	assert.Equal(t, "cancel", res.Intent)

	res, err = m.Complete(context.Background(), domain.LLMRequest{Input: "balance"})
	require.NoError(t, err)
	assert.Equal(t, stub.IntentUnknown, res.Intent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Complete(ctx, domain.LLMRequest{Input: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecognizer_Sources(t *testing.T) {
	dir := t.TempDir()
	wav := filepath.Join(dir, "turn1.wav")
	require.NoError(t, os.WriteFile(wav, []byte("RIFF"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "turn1.txt"), []byte("pay my bill\n"), 0o644))

	r := stub.NewRecognizer()
	ctx := context.Background()
	tests := []struct {
		name  string
		audio domain.AudioSegment
		want  string
	}{
		{"text url", domain.AudioSegment{URL: "text:check my balance"}, "check my balance"},
		{"inline text", domain.AudioSegment{Format: "text", Data: []byte(" agent ")}, "agent"},
		{"sidecar file", domain.AudioSegment{URL: "file://" + wav}, "pay my bill"},
		{"sidecar path", domain.AudioSegment{URL: wav}, "pay my bill"},
		{"remote audio", domain.AudioSegment{URL: "https://media.example/a.wav"}, stub.CannedTranscript},
		{"raw audio", domain.AudioSegment{Data: []byte{1, 2, 3}, Format: "wav"}, stub.CannedTranscript},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Recognize(ctx, tt.audio, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Text)
		})
	}
}

func TestSynthesizer_Handles(t *testing.T) {
	s := stub.NewSynthesizer("http://media.local/tts/")
	ctx := context.Background()

	a, err := s.Synthesize(ctx, "Welcome to the bank", domain.VoiceProfile{})
	require.NoError(t, err)
	b, err := s.Synthesize(ctx, "Welcome to the bank", domain.VoiceProfile{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "http://media.local/tts/"+a.ID+".wav", a.URL)
	assert.True(t, strings.HasSuffix(b.URL, ".wav"))
	assert.Positive(t, a.Duration)

	_, err = s.Synthesize(ctx, "  ", domain.VoiceProfile{})
	assert.ErrorIs(t, err, domain.ErrProviderError)
}

func TestStubs_BehindGateway(t *testing.T) {
	gw := gateway.New(stub.NewRecognizer(), stub.NewSynthesizer("http://m"), stub.NewRuleModel())
	ctx := context.Background()

	heard, err := gw.Recognize(ctx, domain.AudioSegment{URL: "text:talk to an agent"}, "")
	require.NoError(t, err)

	res, err := gw.Complete(ctx, domain.LLMRequest{Input: heard.Text})
	require.NoError(t, err)
	assert.True(t, res.Escalate)

	clip, err := gw.Synthesize(ctx, res.Text, domain.VoiceProfile{})
	require.NoError(t, err)
	assert.NotEmpty(t, clip.URL)
}
