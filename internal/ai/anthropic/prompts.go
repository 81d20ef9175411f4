package anthropic

import (
	"github.com/DukeRupert/lingocoach/internal/ai"
	"github.com/DukeRupert/lingocoach/internal/domain"
)

// buildMessages converts the conversation into Messages API turns, ending
// with the new learner message. The API requires turns to alternate and
// start with the user, so leading assistant turns are dropped and
// consecutive turns by the same role are merged.
func buildMessages(params ai.GenerateParams) []apiMessage {
	turns := make([]domain.ChatMessage, 0, len(params.History)+1)
	turns = append(turns, params.History...)
	turns = append(turns, domain.ChatMessage{Role: domain.ChatRoleUser, Content: params.Message})

	msgs := make([]apiMessage, 0, len(turns))
	for _, m := range turns {
		role := string(m.Role)
		if len(msgs) == 0 && role != string(domain.ChatRoleUser) {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content[0].Text += "\n\n" + m.Content
			continue
		}
		msgs = append(msgs, apiMessage{
			Role:    role,
			Content: []apiContent{{Type: "text", Text: m.Content}},
		})
	}
	return msgs
}
