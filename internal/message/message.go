// Package message converts between OneBot wire events and the bridge's
// internal message representation. Pure functions, no I/O.
package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qqacp/bridge/internal/chat"
	"github.com/qqacp/bridge/internal/reply"
	"github.com/qqacp/bridge/pkg/onebot"
)

// Kind distinguishes a private conversation from a group one.
type Kind int

const (
	Private Kind = iota
	Group
)

// Image is an ordered image attachment reference, in the order it
// appeared in the inbound segments.
type Image struct {
	URL string
}

// Message is the parsed form of an inbound chat event.
type Message struct {
	ChatID     chat.ID
	Kind       Kind
	Text       string // with "[image]"/"[emoji]" placeholders inserted positionally
	AtBot      bool
	SenderID   string
	SenderName string
	GroupID    string
	GroupName  string
	Images     []Image
}

// Parse turns a raw OneBot message event into a Message. botID is the
// bridge's own QQ id, used to recognize @mentions of itself; an empty
// botID means it is not yet known (the "at" recognition then degrades to
// "never matches", matching the Transport Server's deferral rule).
func Parse(ev *onebot.Event, botID string) Message {
	m := Message{
		SenderID: strconv.FormatInt(ev.Sender.UserID, 10),
	}

	if ev.Sender.Card != "" {
		m.SenderName = ev.Sender.Card
	} else if ev.Sender.Nickname != "" {
		m.SenderName = ev.Sender.Nickname
	} else {
		m.SenderName = m.SenderID
	}

	if ev.MessageType == "private" {
		m.Kind = Private
		m.ChatID = chat.Private(m.SenderID)
	} else {
		m.Kind = Group
		m.GroupID = strconv.FormatInt(ev.GroupID, 10)
		m.GroupName = ev.GroupName
		m.ChatID = chat.Group(m.GroupID)
	}

	var b strings.Builder
	for _, seg := range ev.Message {
		switch seg.Type {
		case "text":
			b.WriteString(seg.Data.Text)
		case "at":
			if botID != "" && seg.Data.QQ == botID {
				m.AtBot = true
				continue // stripped from the text, not rendered literally
			}
			b.WriteString("@" + seg.Data.QQ)
		case "image":
			b.WriteString("[image]")
			m.Images = append(m.Images, Image{URL: seg.Data.URL})
		case "face":
			b.WriteString("[emoji]")
		default:
			// unknown segment types are ignored
		}
	}
	m.Text = b.String()

	return m
}

// ToSegments renders reply parts as outbound OneBot segments, preserving
// order. Empty input yields a single empty text segment so the API call
// always carries a well-formed message array.
func ToSegments(parts reply.Parts) []onebot.Segment {
	if len(parts) == 0 {
		return []onebot.Segment{onebot.TextSegment("")}
	}
	segments := make([]onebot.Segment, 0, len(parts))
	for _, p := range parts {
		if p.IsImage {
			segments = append(segments, onebot.ImageSegment(p.Base64))
		} else {
			segments = append(segments, onebot.TextSegment(p.Text))
		}
	}
	return segments
}

// ContextHeader renders the "[Private chat, user NAME(ID)]" /
// "[Group chat NAME(ID), user NAME(ID)]" header used by the Prompt Builder.
func (m Message) ContextHeader() string {
	if m.Kind == Private {
		return fmt.Sprintf("[Private chat, user %s(%s)]", m.SenderName, m.SenderID)
	}
	groupName := m.GroupName
	if groupName == "" {
		groupName = m.GroupID
	}
	return fmt.Sprintf("[Group chat %s(%s), user %s(%s)]", groupName, m.GroupID, m.SenderName, m.SenderID)
}
