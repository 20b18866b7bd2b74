package usecase

import (
	"strings"

	"whatsapp-concierge/internal/domain"
)

// Default fixed messages, overridable through the parameter store.
const (
	defaultHandoffNotice    = "Certo! Vou chamar um atendente humano para continuar a conversa. Em instantes alguém da nossa equipe responde por aqui."
	defaultEscalationNotice = "Essa é uma ótima pergunta para a nossa equipe. Já chamei um atendente humano, que vai te responder por aqui em breve."
	defaultGreeting         = "Oi! Aqui é o assistente virtual de novo. Como posso te ajudar?"
)

// notices are the fixed texts sent on handoff transitions. They never pass
// through SanitizeReply.
type notices struct {
	handoff    string
	escalation string
	greeting   string
}

func defaultNotices() notices {
	return notices{
		handoff:    defaultHandoffNotice,
		escalation: defaultEscalationNotice,
		greeting:   defaultGreeting,
	}
}

type promptContext struct {
	systemPrompt  string
	knowledgeBase string
}

func buildPromptMessages(ctx promptContext, userText string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: buildSystemContext(ctx)},
		{Role: "user", Content: userText},
	}
}

func buildSystemContext(ctx promptContext) string {
	parts := []string{
		strings.TrimSpace(ctx.systemPrompt),
		"",
		"Regras de resposta:",
		replyRules(),
	}
	if kb := strings.TrimSpace(ctx.knowledgeBase); kb != "" {
		parts = append(parts, "", "Base de conhecimento:", kb)
	}
	return strings.Join(parts, "\n")
}

func replyRules() string {
	return strings.Join([]string{
		"1) Responda como numa conversa de WhatsApp: breve, simpático e profissional.",
		"2) Use apenas a base de conhecimento e o contexto acima; não invente preços, prazos ou contatos.",
		"3) Não use Markdown nem links formatados.",
		"4) Se o cliente precisar de um atendente humano ou a pergunta não puder ser respondida com as informações disponíveis, responda exatamente " + EscalationMarker + " e nada mais.",
	}, "\n")
}
