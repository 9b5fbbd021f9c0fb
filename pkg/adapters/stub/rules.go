package stub

import (
	"context"
	"strings"

	"github.com/aretw0/dialtone/pkg/domain"
)

// Intents produced by RuleModel.
const (
	IntentNone           = "none"
	IntentAccountBalance = "account_balance"
	IntentPayments       = "payments"
	IntentConnectAgent   = "connect_agent"
	IntentGreeting       = "greeting"
	IntentUnknown        = "unknown"
)

// Rule maps keywords to a canned completion.
type Rule struct {
	Keywords []string
	Result   domain.LLMResult
}

// DefaultRules is the keyword table of the banking demo.
var DefaultRules = []Rule{
	{
		Keywords: []string{"balance", "account"},
		Result:   domain.LLMResult{Intent: IntentAccountBalance, Text: "Your account balance is 3,420 rupees."},
	},
	{
		Keywords: []string{"payment", "bill"},
		Result:   domain.LLMResult{Intent: IntentPayments, Text: "You can make payments via the web portal. Would you like a link?"},
	},
	{
		Keywords: []string{"agent", "human", "representative"},
		Result:   domain.LLMResult{Intent: IntentConnectAgent, Text: "Connecting you to an agent.", Escalate: true},
	},
	{
		Keywords: []string{"hello", "hi"},
		Result:   domain.LLMResult{Intent: IntentGreeting, Text: "Hello! How can I help you today?"},
	},
}

// RuleModel is a keyword classifier standing in for a language model. The
// first rule with a keyword in the input wins.
type RuleModel struct {
	rules []Rule
}

// NewRuleModel creates a RuleModel. Without rules it uses DefaultRules.
func NewRuleModel(rules ...Rule) *RuleModel {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &RuleModel{rules: rules}
}

// Name implements ports.LanguageModel.
func (*RuleModel) Name() string { return "rule" }

// Complete classifies req.Input.
func (m *RuleModel) Complete(ctx context.Context, req domain.LLMRequest) (domain.LLMResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.LLMResult{}, err
	}
	return m.Classify(req.Input), nil
}

// Classify returns the completion for one utterance.
func (m *RuleModel) Classify(text string) domain.LLMResult {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	if len(words) == 0 {
		return domain.LLMResult{Intent: IntentNone, Text: "I didn't hear anything."}
	}
	for _, rule := range m.rules {
		for _, kw := range rule.Keywords {
			for _, w := range words {
				if strings.HasPrefix(w, kw) {
					return rule.Result
				}
			}
		}
	}
	return domain.LLMResult{Intent: IntentUnknown, Text: "Sorry, I didn't understand that. Could you repeat?"}
}
