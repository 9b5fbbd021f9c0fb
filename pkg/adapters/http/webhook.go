package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aretw0/dialtone/pkg/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against payload in constant time.
func Verify(payload []byte, signature, secret string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// EventRequest is the wire form of an inbound call event.
type EventRequest struct {
	CallID      string         `json:"call_id"`
	Kind        string         `json:"kind"`
	FlowID      string         `json:"flow_id,omitempty"`
	FlowVersion int            `json:"flow_version,omitempty"`
	Payload     EventPayload   `json:"payload,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// EventPayload carries caller input. Audio is either fetched by the
// recognizer from AudioURL or sent inline as AudioBase64.
type EventPayload struct {
	AudioURL    string         `json:"audio_url,omitempty"`
	AudioBase64 string         `json:"audio_base64,omitempty"`
	Format      string         `json:"format,omitempty"`
	SampleRate  int            `json:"sample_rate,omitempty"`
	Digits      string         `json:"digits,omitempty"`
	Text        string         `json:"text,omitempty"`
	Slots       map[string]any `json:"slots,omitempty"`
}

// Event converts the request to a domain event.
func (req EventRequest) Event() (domain.Event, error) {
	ev := domain.Event{
		CallID:      req.CallID,
		Kind:        domain.EventKind(strings.ToLower(req.Kind)),
		FlowID:      req.FlowID,
		FlowVersion: req.FlowVersion,
		Context:     req.Context,
		Payload: domain.EventPayload{
			Digits: req.Payload.Digits,
			Text:   req.Payload.Text,
			Slots:  req.Payload.Slots,
		},
	}
	p := req.Payload
	if p.AudioURL == "" && p.AudioBase64 == "" {
		return ev, nil
	}
	audio := &domain.AudioSegment{URL: p.AudioURL, Format: p.Format, SampleRate: p.SampleRate}
	if p.AudioBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(p.AudioBase64)
		if err != nil {
			return ev, fmt.Errorf("audio_base64: %v: %w", err, errMalformed)
		}
		audio.Data = data
	}
	ev.Payload.Audio = audio
	return ev, nil
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("read body: %v: %w", err, errMalformed))
		return
	}
	if s.secret != nil && !Verify(body, r.Header.Get(SignatureHeader), string(s.secret)) {
		s.logger.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		s.writeError(w, r, errBadSignature)
		return
	}

	var req EventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, fmt.Errorf("decode event: %v: %w", err, errMalformed))
		return
	}
	ev, err := req.Event()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Actions == nil {
		res.Actions = []domain.Action{}
	}
	writeJSON(w, http.StatusOK, res)
}
