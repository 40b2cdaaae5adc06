package discord

import (
	"time"

	"unllamabot/internal/llama"

	"github.com/bwmarrin/discordgo"
)

// streamingResponder turns buffered response chunks into Discord
// messages: the first chunk creates the reply, later chunks edit it at
// most once per cooldown, and message boundaries finalize the current
// reply and start a new one.
type streamingResponder struct {
	session   *discordgo.Session
	channelID string
	reference *discordgo.MessageReference
	cooldown  time.Duration

	current  *discordgo.Message
	buffer   string
	lastEdit time.Time
}

func newStreamingResponder(session *discordgo.Session, channelID string, reference *discordgo.MessageReference, cooldown time.Duration) *streamingResponder {
	return &streamingResponder{
		session:   session,
		channelID: channelID,
		reference: reference,
		cooldown:  cooldown,
	}
}

func (r *streamingResponder) handle(chunk llama.ResponseChunk) error {
	switch {
	case chunk.EndOfResponse:
		return r.finalize(chunk.Message)
	case chunk.EndOfMessage:
		if err := r.setContent(chunk.Message); err != nil {
			return err
		}
		r.current = nil
		r.buffer = ""
		return nil
	case chunk.Chunk != "":
		r.buffer += chunk.Chunk
		return r.render(false)
	}
	return nil
}

// render pushes the buffered text to Discord, creating the message on
// first content and editing afterwards, throttled by the cooldown.
func (r *streamingResponder) render(force bool) error {
	if r.buffer == "" {
		return nil
	}
	if r.current == nil {
		msg, err := r.session.ChannelMessageSendReply(r.channelID, r.buffer, r.reference)
		if err != nil {
			return err
		}
		r.current = msg
		r.lastEdit = time.Now()
		return nil
	}
	if !force && time.Since(r.lastEdit) < r.cooldown {
		return nil
	}
	return r.setContent(r.buffer)
}

func (r *streamingResponder) setContent(content string) error {
	if content == "" {
		return nil
	}
	if r.current == nil {
		msg, err := r.session.ChannelMessageSendReply(r.channelID, content, r.reference)
		if err != nil {
			return err
		}
		r.current = msg
		r.lastEdit = time.Now()
		return nil
	}
	msg, err := r.session.ChannelMessageEdit(r.channelID, r.current.ID, content)
	if err != nil {
		return err
	}
	r.current = msg
	r.lastEdit = time.Now()
	return nil
}

// finalize writes the last message of the response.
func (r *streamingResponder) finalize(message string) error {
	if message == "" {
		return nil
	}
	return r.setContent(message)
}
