package llama

import "strings"

// ResponseChunk is one event of a buffered, length-limited response
// stream. Chunk carries raw streamed text; Message is set when a full
// chat message is ready (EndOfMessage) and for the final remainder
// (EndOfResponse), which also carries the complete Response.
type ResponseChunk struct {
	Chunk         string
	Message       string
	EndOfMessage  bool
	Response      string
	EndOfResponse bool
}

// StreamSplitter buffers streamed completion chunks into messages no
// longer than a limit. Messages split at chunk boundaries with trailing
// whitespace trimmed; an unclosed ``` code fence is closed on the
// finished message and reopened (keeping its language marker) on the
// next one.
type StreamSplitter struct {
	limit   int
	emit    func(ResponseChunk)
	current string
	full    strings.Builder
}

func NewStreamSplitter(limit int, emit func(ResponseChunk)) *StreamSplitter {
	return &StreamSplitter{limit: limit, emit: emit}
}

// Add feeds one streamed chunk into the splitter.
func (s *StreamSplitter) Add(chunk string) {
	if chunk == "" {
		return
	}
	s.full.WriteString(chunk)

	// Flush first so the chunk event always belongs to the message it
	// ends up in.
	if s.current != "" && len(s.current)+len(chunk) > s.limit {
		s.flushMessage()
	}
	s.emit(ResponseChunk{Chunk: chunk})
	s.current += chunk

	// A single chunk longer than the limit is hard-cut at rune
	// boundaries.
	for len(s.current) > s.limit {
		runes := []rune(s.current)
		cut := len(runes)
		for i := range runes {
			if len(string(runes[:i+1])) > s.limit {
				cut = i
				break
			}
		}
		rest := string(runes[cut:])
		s.current = string(runes[:cut])
		s.flushMessage()
		s.current += rest
	}
}

// Finish flushes the remainder and reports the full response.
func (s *StreamSplitter) Finish() {
	s.emit(ResponseChunk{
		Message:       strings.TrimRight(s.current, " \t\n"),
		EndOfResponse: true,
		Response:      s.full.String(),
	})
	s.current = ""
}

func (s *StreamSplitter) flushMessage() {
	msg := strings.TrimRight(s.current, " \t\n")
	next := ""
	if marker, open := openCodeFence(msg); open {
		msg += "\n```"
		next = marker + "\n"
	}
	s.emit(ResponseChunk{Message: msg, EndOfMessage: true})
	s.current = next
}

const codeFenceMarker = "```"

// openCodeFence reports whether msg ends inside a code block and, if so,
// returns the opening marker including its language tag.
func openCodeFence(msg string) (string, bool) {
	if strings.Count(msg, codeFenceMarker)%2 == 0 {
		return "", false
	}
	last := strings.LastIndex(msg, codeFenceMarker)
	marker := msg[last:]
	if newline := strings.IndexByte(marker, '\n'); newline != -1 {
		marker = marker[:newline]
	}
	return strings.TrimRight(marker, " \t"), true
}
