package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"whatsapp-concierge/internal/domain"
)

func TestClassify(t *testing.T) {
	in := NewInterpreter([]string{" 5511900000000 ", ""}, "")

	cases := []struct {
		name   string
		sender string
		text   string
		want   Command
	}{
		{"operator reset", "5511900000000", "#f0", Command{Kind: CommandManagerReset}},
		{"operator reset padded upper", "5511900000000", "  #F0  ", Command{Kind: CommandManagerReset}},
		{"operator reset with gateway suffix", "5511900000000@c.us", "#f0", Command{Kind: CommandManagerReset}},
		{"operator reset with target", "5511900000000", "#f0 5511988887777@c.us", Command{Kind: CommandManagerReset, Target: "5511988887777"}},
		{"reset from customer", "5511988887777", "#f0", Command{Kind: CommandForeignReset}},
		{"token inside a sentence", "5511900000000", "use #f0 amanhã", Command{Kind: CommandOrdinary}},
		{"token prefix only", "5511900000000", "#f00", Command{Kind: CommandOrdinary}},
		{"human request", "5511988887777", "quero falar com um humano", Command{Kind: CommandHumanRequest}},
		{"operator asking for human", "5511900000000", "humano", Command{Kind: CommandHumanRequest}},
		{"ordinary", "5511988887777", "qual o preço?", Command{Kind: CommandOrdinary}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := in.Classify(domain.InboundMessage{SenderID: tc.sender, Text: tc.text})
			require.Equal(t, tc.want, got)
		})
	}
}

func TestClassify_CustomResetToken(t *testing.T) {
	in := NewInterpreter([]string{"op"}, "#Bot")
	require.Equal(t, CommandManagerReset, in.Classify(domain.InboundMessage{SenderID: "op", Text: "#bot"}).Kind)
	require.Equal(t, CommandOrdinary, in.Classify(domain.InboundMessage{SenderID: "op", Text: "#f0"}).Kind)
}

func TestClassify_NoOperatorsConfigured(t *testing.T) {
	in := NewInterpreter(nil, "")
	require.Equal(t, CommandForeignReset, in.Classify(domain.InboundMessage{SenderID: "x", Text: "#f0"}).Kind)
	require.False(t, in.IsOperator(""))
}

func TestIsHumanRequest(t *testing.T) {
	yes := []string{
		"quero falar com um humano",
		"HUMANO!!",
		"Posso falar com alguém?",
		"posso falar com alguem",
		"preciso de um atendente",
		"Quero falar com uma pessoa de verdade",
		"tem uma pessoa real aí?",
		"I want to talk to someone",
		"can I talk to a person",
		"get me a human agent",
		"operador, por favor",
	}
	for _, text := range yes {
		require.True(t, IsHumanRequest(text), text)
	}

	no := []string{
		"",
		"oi, tudo bem?",
		"qual o horário?",
		"obrigado pessoal",
		"humanidade é importante",
		"atendentes estão ocupados?",
		"vocês agenciam eventos?",
		"falar com",
	}
	for _, text := range no {
		require.False(t, IsHumanRequest(text), text)
	}
}

func TestCommandKindString(t *testing.T) {
	require.Equal(t, "ordinary", CommandOrdinary.String())
	require.Equal(t, "manager_reset", CommandManagerReset.String())
	require.Equal(t, "human_request", CommandHumanRequest.String())
	require.Equal(t, "foreign_reset", CommandForeignReset.String())
}
