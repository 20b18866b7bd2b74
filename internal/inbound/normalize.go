// Package inbound turns gateway webhook payloads into domain.InboundMessage.
//
// The gateway has shipped several payload shapes over time. Each field is
// resolved from an ordered list of paths; the first non-empty value wins.
package inbound

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"whatsapp-concierge/internal/domain"
)

type path []string

var senderPaths = []path{
	{"phone"},
	{"message", "phone"},
	{"data", "message", "phone"},
	{"data", "phone"},
	{"from"},
	{"message", "from"},
	{"data", "message", "from"},
	{"chatId"},
}

var textPaths = []path{
	{"text", "message"},
	{"message", "text"},
	{"message", "text", "message"},
	{"message", "body"},
	{"body"},
	{"data", "message", "text"},
	{"data", "message", "body"},
}

var groupPaths = []path{
	{"isGroup"},
	{"message", "isGroup"},
	{"data", "message", "isGroup"},
	{"data", "isGroup"},
}

var selfEchoPaths = []path{
	{"fromMe"},
	{"message", "fromMe"},
	{"data", "message", "fromMe"},
}

// Normalize extracts the canonical message from raw. The boolean is false
// when the sender or text cannot be located; flags are populated either way.
func Normalize(raw []byte) (domain.InboundMessage, bool) {
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return domain.InboundMessage{}, false
	}
	return FromPayload(payload)
}

// FromPayload is Normalize for an already decoded payload.
func FromPayload(payload map[string]any) (domain.InboundMessage, bool) {
	msg := domain.InboundMessage{
		SenderID:   firstString(payload, senderPaths),
		Text:       firstString(payload, textPaths),
		IsGroup:    anyTrue(payload, groupPaths),
		IsSelfEcho: anyTrue(payload, selfEchoPaths),
	}
	return msg, msg.SenderID != "" && msg.Text != ""
}

func lookup(payload map[string]any, p path) (any, bool) {
	var cur any = payload
	for _, key := range p {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func firstString(payload map[string]any, paths []path) string {
	for _, p := range paths {
		v, ok := lookup(payload, p)
		if !ok {
			continue
		}
		if s := stringValue(v); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func anyTrue(payload map[string]any, paths []path) bool {
	for _, p := range paths {
		v, ok := lookup(payload, p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			if t {
				return true
			}
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil && b {
				return true
			}
		}
	}
	return false
}
