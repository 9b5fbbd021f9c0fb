package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aretw0/dialtone/pkg/dispatch"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// MediaReply is written for every frame received on a media socket.
type MediaReply struct {
	dispatch.Result
	Error string `json:"error,omitempty"`
	Code  int    `json:"code,omitempty"`
}

// handleMedia bridges a telephony media stream. Binary frames are caller
// audio; text frames are JSON events. The socket closes once the session
// ends; a socket dropped mid-call counts as a hangup.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if s.secret != nil && !Verify([]byte(callID), r.Header.Get(SignatureHeader), string(s.secret)) {
		s.writeError(w, r, errBadSignature)
		return
	}

	q := r.URL.Query()
	flowID := q.Get("flow_id")
	format := q.Get("format")
	if format == "" {
		format = "wav"
	}
	sampleRate, _ := strconv.Atoi(q.Get("sample_rate"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.maxBody)

	log := s.logger.With("call_id", callID)
	log.Info("media stream opened")

	started := false
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if started {
				s.hangup(callID)
			}
			log.Info("media stream closed", "err", err)
			return
		}

		var ev domain.Event
		switch messageType {
		case websocket.BinaryMessage:
			ev = domain.Event{
				CallID:  callID,
				Kind:    domain.EventMedia,
				FlowID:  flowID,
				Payload: domain.EventPayload{Audio: &domain.AudioSegment{Data: frame, Format: format, SampleRate: sampleRate}},
			}
		case websocket.TextMessage:
			var req EventRequest
			if err := json.Unmarshal(frame, &req); err != nil {
				s.writeFrame(conn, MediaReply{Error: "malformed event", Code: http.StatusBadRequest})
				continue
			}
			req.CallID = callID
			if req.FlowID == "" {
				req.FlowID = flowID
			}
			if ev, err = req.Event(); err != nil {
				s.writeFrame(conn, MediaReply{Error: err.Error(), Code: statusFor(err)})
				continue
			}
		default:
			continue
		}

		res, err := s.dispatcher.Dispatch(r.Context(), ev)
		if err != nil {
			s.writeFrame(conn, MediaReply{Result: res, Error: err.Error(), Code: statusFor(err)})
			if res.Status.Terminal() {
				return
			}
			continue
		}
		started = true
		if res.Actions == nil {
			res.Actions = []domain.Action{}
		}
		if !s.writeFrame(conn, MediaReply{Result: res}) {
			s.hangup(callID)
			return
		}
		if res.Status.Terminal() {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(res.Status)),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, reply MediaReply) bool {
	if err := conn.WriteJSON(reply); err != nil {
		s.logger.Debug("media write failed", "err", err)
		return false
	}
	return true
}

func (s *Server) hangup(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.dispatcher.Dispatch(ctx, domain.Event{CallID: callID, Kind: domain.EventHangup})
	if err != nil {
		s.logger.Debug("hangup after media close", "call_id", callID, "err", err)
	}
}
