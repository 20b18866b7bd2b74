package usecase

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"whatsapp-concierge/internal/domain"
)

const DefaultResetToken = "#f0"

// CommandKind classifies an inbound message before any inference call.
type CommandKind int

const (
	CommandOrdinary CommandKind = iota
	CommandManagerReset
	CommandHumanRequest
	// CommandForeignReset is the reset token sent by a non-operator. It never
	// changes state and is never forwarded to inference.
	CommandForeignReset
)

func (k CommandKind) String() string {
	switch k {
	case CommandManagerReset:
		return "manager_reset"
	case CommandHumanRequest:
		return "human_request"
	case CommandForeignReset:
		return "foreign_reset"
	default:
		return "ordinary"
	}
}

// Command is the interpreter's classification. Target is set for a manager
// reset aimed at one sender; empty means every active handoff.
type Command struct {
	Kind   CommandKind
	Target string
}

var handoffWords = map[string]struct{}{
	"humano":    {},
	"humana":    {},
	"atendente": {},
	"human":     {},
	"agent":     {},
	"agente":    {},
	"operator":  {},
	"operador":  {},
}

var handoffPhrases = []string{
	"falar com alguem",
	"falar com uma pessoa",
	"pessoa real",
	"talk to someone",
	"talk to a person",
	"real person",
}

// Interpreter recognizes operator commands and handoff requests.
type Interpreter struct {
	operators  map[string]struct{}
	resetToken string
}

// NewInterpreter builds an Interpreter. An empty resetToken selects "#f0".
func NewInterpreter(operatorIDs []string, resetToken string) *Interpreter {
	ops := make(map[string]struct{}, len(operatorIDs))
	for _, id := range operatorIDs {
		if id = canonicalID(id); id != "" {
			ops[id] = struct{}{}
		}
	}
	resetToken = strings.TrimSpace(resetToken)
	if resetToken == "" {
		resetToken = DefaultResetToken
	}
	return &Interpreter{operators: ops, resetToken: strings.ToLower(resetToken)}
}

// IsOperator reports whether senderID is a configured operator.
func (in *Interpreter) IsOperator(senderID string) bool {
	_, ok := in.operators[canonicalID(senderID)]
	return ok
}

// Classify returns exactly one command for msg.
func (in *Interpreter) Classify(msg domain.InboundMessage) Command {
	fields := strings.Fields(msg.Text)
	if len(fields) > 0 && strings.ToLower(fields[0]) == in.resetToken {
		if !in.IsOperator(msg.SenderID) {
			return Command{Kind: CommandForeignReset}
		}
		cmd := Command{Kind: CommandManagerReset}
		if len(fields) > 1 {
			cmd.Target = canonicalID(fields[1])
		}
		return cmd
	}
	if IsHumanRequest(msg.Text) {
		return Command{Kind: CommandHumanRequest}
	}
	return Command{Kind: CommandOrdinary}
}

// IsHumanRequest matches the handoff vocabulary as whole words or phrases,
// ignoring case and accents.
func IsHumanRequest(text string) bool {
	tokens := strings.FieldsFunc(fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if _, ok := handoffWords[tok]; ok {
			return true
		}
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range handoffPhrases {
		if strings.Contains(joined, " "+p+" ") {
			return true
		}
	}
	return false
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// canonicalID drops the gateway's "@domain" suffix so "5511...@c.us" and
// "5511..." name the same sender.
func canonicalID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	return id
}
