package llama

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordChunks splits text after every space and newline, the way a model
// tends to stream short word-sized pieces.
func wordChunks(text string) []string {
	var chunks []string
	start := 0
	for i, r := range text {
		if r == ' ' || r == '\n' {
			chunks = append(chunks, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}

func collectSplit(t *testing.T, limit int, chunks []string) (messages []string, final string, response string) {
	t.Helper()

	var sawEnd bool
	splitter := NewStreamSplitter(limit, func(chunk ResponseChunk) {
		switch {
		case chunk.EndOfResponse:
			sawEnd = true
			final = chunk.Message
			response = chunk.Response
		case chunk.EndOfMessage:
			messages = append(messages, chunk.Message)
		}
	})
	for _, chunk := range chunks {
		splitter.Add(chunk)
	}
	splitter.Finish()

	require.True(t, sawEnd)
	return messages, final, response
}

func TestStreamSplitterShortLimit(t *testing.T) {
	const text = "This is a dummy, but also pretty long response"

	messages, final, response := collectSplit(t, 15, wordChunks(text))
	assert.Equal(t, []string{"This is a", "dummy, but", "also pretty"}, messages)
	assert.Equal(t, "long response", final)
	assert.Equal(t, text, response)

	messages, final, response = collectSplit(t, 30, wordChunks(text))
	assert.Equal(t, []string{"This is a dummy, but also"}, messages)
	assert.Equal(t, "pretty long response", final)
	assert.Equal(t, text, response)
}

func TestStreamSplitterFitsInOneMessage(t *testing.T) {
	const text = "This is a dummy, but also pretty long response"

	messages, final, response := collectSplit(t, 2000, wordChunks(text))
	assert.Empty(t, messages)
	assert.Equal(t, text, final)
	assert.Equal(t, text, response)
}

func TestStreamSplitterMultiline(t *testing.T) {
	const text = "This is a dummy, but also pretty long response.\n" +
		"It also contains content separated by newlines.\n" +
		"That's a long message!\n" +
		"Let's see if this thing works properly."

	messages, final, response := collectSplit(t, 100, wordChunks(text))
	require.Len(t, messages, 1)
	assert.Equal(t,
		"This is a dummy, but also pretty long response.\nIt also contains content separated by newlines.",
		messages[0])
	assert.Equal(t, "That's a long message!\nLet's see if this thing works properly.", final)
	assert.Equal(t, text, response)
}

func TestStreamSplitterReopensCodeFence(t *testing.T) {
	const text = "This is an example response containing a code block:\n" +
		"\n" +
		"```py\n" +
		"def main():\n" +
		"    print(\"Hello, world!\")\n" +
		"\n" +
		"if __name__ == '__main__':\n" +
		"    main()\n" +
		"```\n" +
		"\n" +
		"Here you go!"

	messages, final, response := collectSplit(t, 100, wordChunks(text))
	require.Len(t, messages, 1)
	assert.Equal(t,
		"This is an example response containing a code block:\n"+
			"\n"+
			"```py\n"+
			"def main():\n"+
			"    print(\"Hello, world!\")\n"+
			"```",
		messages[0])
	assert.Equal(t,
		"```py\n"+
			"if __name__ == '__main__':\n"+
			"    main()\n"+
			"```\n"+
			"\n"+
			"Here you go!",
		final)
	assert.Equal(t, text, response)
}

func TestStreamSplitterHardCutsOversizedChunk(t *testing.T) {
	messages, final, _ := collectSplit(t, 10, []string{strings.Repeat("a", 24)})
	assert.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10)}, messages)
	assert.Equal(t, "aaaa", final)
}

func TestStreamSplitterHardCutsAtRuneBoundary(t *testing.T) {
	// é is two bytes in UTF-8, so a 5 byte limit fits two runes
	messages, final, _ := collectSplit(t, 5, []string{"ééééé"})
	assert.Equal(t, []string{"éé", "éé"}, messages)
	assert.Equal(t, "é", final)
}

func TestStreamSplitterChunkEventFollowsFlush(t *testing.T) {
	var events []ResponseChunk
	splitter := NewStreamSplitter(10, func(chunk ResponseChunk) {
		events = append(events, chunk)
	})
	splitter.Add("first ")
	splitter.Add("second")
	splitter.Finish()

	require.Len(t, events, 4)
	assert.Equal(t, "first ", events[0].Chunk)
	assert.True(t, events[1].EndOfMessage)
	assert.Equal(t, "first", events[1].Message)
	assert.Equal(t, "second", events[2].Chunk)
	assert.True(t, events[3].EndOfResponse)
	assert.Equal(t, "second", events[3].Message)
	assert.Equal(t, "first second", events[3].Response)
}

func TestStreamSplitterEmptyStream(t *testing.T) {
	var events []ResponseChunk
	splitter := NewStreamSplitter(10, func(chunk ResponseChunk) {
		events = append(events, chunk)
	})
	splitter.Finish()

	require.Len(t, events, 1)
	assert.True(t, events[0].EndOfResponse)
	assert.Empty(t, events[0].Message)
	assert.Empty(t, events[0].Response)
}

func TestStreamSplitterIgnoresEmptyChunks(t *testing.T) {
	var events int
	splitter := NewStreamSplitter(10, func(ResponseChunk) { events++ })
	splitter.Add("")
	assert.Zero(t, events)
}
