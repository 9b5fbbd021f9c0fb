package natsbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/pkg/dispatch"
)

// PublishFunc sends one message. (*nats.Conn).Publish satisfies it.
type PublishFunc func(subject string, data []byte) error

// Publisher announces committed actions on <prefix>.<call_id>. It is the only
// path by which timer-driven prompts reach a bus-connected media layer.
type Publisher struct {
	publish PublishFunc
	prefix  string
	logger  *slog.Logger
}

// NewPublisher creates a Publisher. An empty prefix uses the default.
func NewPublisher(publish PublishFunc, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultConfig().ActionsPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{publish: publish, prefix: prefix, logger: logger}
}

// Subject returns the actions subject for callID.
func (p *Publisher) Subject(callID string) string {
	return p.prefix + "." + callID
}

// Observe is a dispatch.CommitObserver.
func (p *Publisher) Observe(_ context.Context, ev dispatch.CommitEvent) {
	if len(ev.Actions) == 0 {
		return
	}
	data, err := json.Marshal(dispatch.Result{
		CallID:  ev.Session.CallID,
		Status:  ev.Session.Status,
		Seq:     ev.Session.LastSeq,
		Actions: ev.Actions,
	})
	if err != nil {
		p.logger.Error("encode actions", "call_id", ev.Session.CallID, "err", err)
		return
	}
	if err := p.publish(p.Subject(ev.Session.CallID), data); err != nil {
		p.logger.Warn("publish actions failed", "call_id", ev.Session.CallID, "err", err)
	}
}
