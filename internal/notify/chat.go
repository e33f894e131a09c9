package notify

import (
	"fmt"

	"issueforge/internal/domain"
)

// Google Chat card message, legacy "cards" layout.
type card struct {
	Cards []cardBody `json:"cards"`
}

type cardBody struct {
	Header   cardHeader    `json:"header"`
	Sections []cardSection `json:"sections"`
}

type cardHeader struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
}

type cardSection struct {
	Widgets []cardWidget `json:"widgets"`
}

type cardWidget struct {
	TextParagraph *textParagraph `json:"textParagraph,omitempty"`
}

type textParagraph struct {
	Text string `json:"text"`
}

func chatCard(e domain.AuditEntry) card {
	return card{Cards: []cardBody{{
		Header: cardHeader{
			Title:    "issueforge: " + e.Kind,
			Subtitle: fmt.Sprintf("request #%d at %s", e.SubjectID, e.TS),
		},
		Sections: []cardSection{{
			Widgets: []cardWidget{{TextParagraph: &textParagraph{Text: e.Message}}},
		}},
	}}}
}
