package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/dialtone/internal/runtime"
	"github.com/aretw0/dialtone/pkg/adapters/memory"
	"github.com/aretw0/dialtone/pkg/dispatch"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/dsl"
	"github.com/aretw0/dialtone/pkg/flow"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cret"

// MockGateway recognizes every audio segment as the caller saying "Ann".
type MockGateway struct{}

func (MockGateway) Recognize(context.Context, domain.AudioSegment, string) (domain.RecognitionResult, error) {
	return domain.RecognitionResult{Text: "Ann", MatchedSlots: map[string]any{"has_name": true}}, nil
}

func (MockGateway) Synthesize(_ context.Context, text string, _ domain.VoiceProfile) (domain.AudioHandle, error) {
	return domain.AudioHandle{ID: "clip", URL: "https://media.test/clip.wav"}, nil
}

func (MockGateway) Complete(context.Context, domain.LLMRequest) (domain.LLMResult, error) {
	return domain.LLMResult{}, nil
}

type fixture struct {
	srv     *Server
	handler http.Handler
	store   *memory.Store
	flows   *flow.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	flows := flow.NewStore()
	b := dsl.New("greeting").Fallback("failed")
	b.Add("greet").Prompt("Welcome.").Go("collect_name")
	b.Add("collect_name").Collect("What is your name?").SaveTo("name").
		Branch("has_name", "confirm").Go("collect_name")
	b.Add("confirm").Say("Thanks {{.name}}.").Terminal(domain.StatusCompleted)
	b.Add("failed").Terminal(domain.StatusFailed)
	_, err := flows.Publish(context.Background(), b.MustBuild())
	require.NoError(t, err)

	store := memory.NewStore()
	streams := NewStreamManager()
	d := dispatch.New(runtime.New(MockGateway{}), flows, store, dispatch.WithObserver(streams.Observe))
	t.Cleanup(func() { d.Close(context.Background()) })

	srv := NewServer(d, flows, store, append([]Option{WithStreams(streams)}, opts...)...)
	return &fixture{srv: srv, handler: srv.Handler(), store: store, flows: flows}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) event(t *testing.T, body string) *httptest.ResponseRecorder {
	return f.do(t, "POST", "/v1/webhooks/events", []byte(body), nil)
}

func TestSignature(t *testing.T) {
	payload := []byte(`{"call_id":"c1"}`)
	sig := Sign(payload, secret)
	assert.Len(t, sig, 64)
	assert.True(t, Verify(payload, sig, secret))
	assert.True(t, Verify(payload, strings.ToUpper(sig), secret))
	assert.False(t, Verify(payload, sig, "other"))
	assert.False(t, Verify([]byte(`{"call_id":"c2"}`), sig, secret))
	assert.False(t, Verify(payload, "not-hex", secret))
}

func TestEvents_SignedWebhook(t *testing.T) {
	f := newFixture(t, WithWebhookSecret(secret))
	body := []byte(`{"call_id":"c1","kind":"start","flow_id":"greeting"}`)

	rec := f.do(t, "POST", "/v1/webhooks/events", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "POST", "/v1/webhooks/events", body, map[string]string{SignatureHeader: Sign(body, "wrong")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "POST", "/v1/webhooks/events", body, map[string]string{SignatureHeader: Sign(body, secret)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res dispatch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, domain.StatusActive, res.Status)
	require.Len(t, res.Actions, 3)
	assert.Equal(t, domain.ActionCollectInput, res.Actions[2].Kind)
}

func TestEvents_Conversation(t *testing.T) {
	f := newFixture(t)

	rec := f.event(t, `{"call_id":"c2","kind":"start","flow_id":"greeting"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.event(t, `{"call_id":"c2","kind":"media","payload":{"audio_base64":"AAEC","format":"wav"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res dispatch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "Thanks Ann.", res.Actions[0].Text)

	rec = f.event(t, `{"call_id":"c2","kind":"dtmf","payload":{"digits":"1"}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEvents_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"call_id":`, http.StatusBadRequest},
		{"missing call id", `{"kind":"start","flow_id":"greeting"}`, http.StatusUnprocessableEntity},
		{"unknown kind", `{"call_id":"e1","kind":"ring"}`, http.StatusUnprocessableEntity},
		{"unknown flow", `{"call_id":"e2","kind":"start","flow_id":"nope"}`, http.StatusNotFound},
		{"no flow", `{"call_id":"e3","kind":"start"}`, http.StatusNotFound},
		{"bad audio", `{"call_id":"e4","kind":"media","flow_id":"greeting","payload":{"audio_base64":"%%%"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.event(t, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestFlows_PublishAndQuery(t *testing.T) {
	f := newFixture(t)

	doc := `{"id":"billing","start_node":"hello","nodes":[
		{"id":"hello","kind":"collect","prompt":"Say something.","timeout":"4s",
		 "transitions":[{"guard":"payment","target":"bye"},{"guard":"default","target":"hello"}]},
		{"id":"bye","kind":"terminal","prompt":"Bye."}]}`
	rec := f.do(t, "POST", "/v1/flows", []byte(doc), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ref domain.FlowRef
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ref))
	assert.Equal(t, domain.FlowRef{ID: "billing", Version: 1}, ref)

	yamlDoc := "id: billing\nstart_node: hello\nnodes:\n  - id: hello\n    kind: terminal\n    prompt: Closed today.\n"
	rec = f.do(t, "POST", "/v1/flows", []byte(yamlDoc), map[string]string{"Content-Type": "application/yaml"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, "POST", "/v1/flows", []byte(`{"id":"broken","start_node":"nowhere","nodes":[]}`), nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problems errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problems))
	assert.NotEmpty(t, problems.Problems)

	rec = f.do(t, "GET", "/v1/flows", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `{"id":"billing","version":2}`)
	assert.Contains(t, rec.Body.String(), `{"id":"greeting","version":1}`)

	rec = f.do(t, "GET", "/v1/flows/billing/versions/1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	def, err := flow.Parse(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, def.Nodes[0].Timeout)

	rec = f.do(t, "GET", "/v1/flows/billing", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Closed today.")

	rec = f.do(t, "GET", "/v1/flows/billing/versions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"billing","versions":[1,2]}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/v1/flows/missing", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/v1/flows/billing/versions/x", nil, nil).Code)
}

func TestSessions_TranscriptPaging(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.event(t, `{"call_id":"p1","kind":"start","flow_id":"greeting"}`).Code)
	require.Equal(t, http.StatusOK, f.event(t, `{"call_id":"p1","kind":"media","payload":{"text":"Ann","slots":{"has_name":true}}}`).Code)

	rec := f.do(t, "GET", "/v1/sessions/p1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sess domain.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, domain.StatusCompleted, sess.Status)

	var (
		seen  []int64
		after int64
	)
	for i := 0; i < 20; i++ {
		rec := f.do(t, "GET", "/v1/sessions/p1/transcript?limit=3&after="+itoa(after), nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var page TranscriptPage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		for _, e := range page.Entries {
			seen = append(seen, e.Seq)
		}
		if page.NextAfter == 0 {
			break
		}
		after = page.NextAfter
	}
	require.Len(t, seen, int(sess.LastSeq))
	for i, seq := range seen {
		assert.Equal(t, int64(i+1), seq)
	}

	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/v1/sessions/p1/transcript?after=-1", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/v1/sessions/p1/transcript?from=yesterday", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/v1/sessions/nobody/transcript", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/v1/sessions/nobody", nil, nil).Code)

	rec = f.do(t, "GET", "/v1/sessions?status=completed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"call_id":"p1"`)
	rec = f.do(t, "GET", "/v1/sessions?status=active", nil, nil)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestTranscripts_SearchAcrossCalls(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.event(t, `{"call_id":"s1","kind":"start","flow_id":"greeting"}`).Code)
	require.Equal(t, http.StatusOK, f.event(t, `{"call_id":"s2","kind":"start","flow_id":"greeting"}`).Code)

	rec := f.do(t, "GET", "/v1/transcripts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res TranscriptSearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	calls := map[string]bool{}
	for _, e := range res.Entries {
		calls[e.CallID] = true
	}
	assert.Equal(t, map[string]bool{"s1": true, "s2": true}, calls)
	assert.False(t, res.More)

	rec = f.do(t, "GET", "/v1/transcripts?limit=1", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.Entries, 1)
	assert.True(t, res.More)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = f.do(t, "GET", "/v1/transcripts?from="+future, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[],"more":false}`, rec.Body.String())

	rec = f.do(t, "GET", "/v1/transcripts?call_id=s1&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page TranscriptPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, "s1", page.CallID)
	assert.Len(t, page.Entries, 2)

	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/v1/transcripts?to=soon", nil, nil).Code)
}

func TestMedia_WebSocket(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/media/ws1?flow_id=greeting&format=pcm"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"start"}`)))
	var reply MediaReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Empty(t, reply.Error)
	assert.Equal(t, "ws1", reply.CallID)
	assert.Equal(t, domain.StatusActive, reply.Status)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":`)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, http.StatusBadRequest, reply.Code)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2, 3}))
	reply = MediaReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, domain.StatusCompleted, reply.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestMedia_DroppedSocketHangsUp(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/media/ws2?flow_id=greeting"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"start"}`)))
	var reply MediaReply
	require.NoError(t, conn.ReadJSON(&reply))
	conn.Close()

	require.Eventually(t, func() bool {
		sess, err := f.store.GetSession(context.Background(), "ws2")
		return err == nil && sess.Status == domain.StatusAbandoned
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMedia_RequiresSignature(t *testing.T) {
	f := newFixture(t, WithWebhookSecret(secret))
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/media/ws3"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{SignatureHeader: []string{Sign([]byte("ws3"), secret)}})
	require.NoError(t, err)
	conn.Close()
}

func TestStream_BackfillThenLive(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	require.Equal(t, http.StatusOK, f.event(t, `{"call_id":"s1","kind":"start","flow_id":"greeting"}`).Code)

	resp, err := http.Get(ts.URL + "/v1/sessions/s1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.srv.Streams().Subscribers("s1") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, http.StatusOK, f.event(t, `{"call_id":"s1","kind":"media","payload":{"text":"Ann","slots":{"has_name":true}}}`).Code)

	var ids []string
	events := map[string]int{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			events[strings.TrimPrefix(line, "event: ")]++
		}
	}

	sess, err := f.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, ids, int(sess.LastSeq), "every entry exactly once")
	for i, id := range ids {
		assert.Equal(t, itoa(int64(i+1)), id)
	}
	assert.Equal(t, 1, events["ping"])
	assert.Equal(t, 1, events[string(domain.EntrySessionEnd)])
	assert.Eventually(t, func() bool { return f.srv.Streams().Subscribers("s1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestStream_UnknownCall(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/v1/sessions/none/stream", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "dialtone_up 1\n")
	})
	f := newFixture(t, WithMetrics(metrics))

	rec := f.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dialtone_up 1")
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
