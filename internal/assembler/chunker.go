package assembler

import "strings"

const (
	maxSentencesPerChunk = 3
	// A chunk holding fewer than three sentences is released only once it
	// reaches this many bytes, so short sentences group naturally.
	minChunkBytes = 60
)

// terminal punctuation that can end a sentence.
const sentenceTerminals = ".!?"

// trailing characters allowed after the terminal mark (quotes, brackets).
const sentenceTrailers = `"')]*_~` + "`”’"

// Chunker converts an arbitrary stream of text fragments into
// punctuation-bounded chunks of one to three complete sentences. Boundary
// detection is purely a function of the accumulated text, independent of how
// the transport fragments the stream.
type Chunker struct {
	buf      strings.Builder
	rest     string   // text after the last confirmed sentence boundary
	complete []string // finished sentences not yet grouped into a chunk
}

func NewChunker() *Chunker {
	return &Chunker{}
}

// Feed appends a fragment and returns any chunks that became complete.
func (c *Chunker) Feed(fragment string) []string {
	c.buf.WriteString(fragment)
	c.rest += fragment

	sentences, rest := splitSentences(c.rest)
	c.complete = append(c.complete, sentences...)
	c.rest = rest

	return c.drain(false)
}

// Flush ends the stream: everything buffered is released, including a tail
// with no terminal punctuation.
func (c *Chunker) Flush() []string {
	if tail := strings.TrimSpace(c.rest); tail != "" {
		c.complete = append(c.complete, tail)
	}
	c.rest = ""
	return c.drain(true)
}

// Text returns the full accumulated response.
func (c *Chunker) Text() string {
	return strings.TrimSpace(c.buf.String())
}

// drain groups completed sentences into chunks. Mid-stream, a group is held
// back until it has three sentences or minChunkBytes of text; at flush
// everything goes out.
func (c *Chunker) drain(flush bool) []string {
	var chunks []string
	for len(c.complete) > 0 {
		take := 0
		size := 0
		for take < len(c.complete) && take < maxSentencesPerChunk {
			size += len(c.complete[take]) + 1
			take++
			if size >= minChunkBytes {
				break
			}
		}
		if !flush && take < maxSentencesPerChunk && size < minChunkBytes {
			break // wait for more sentences
		}
		chunks = append(chunks, strings.TrimSpace(strings.Join(c.complete[:take], " ")))
		c.complete = c.complete[take:]
	}
	return chunks
}

// splitSentences extracts complete sentences from text. A sentence ends at a
// run of terminal punctuation (plus trailing quotes/brackets) followed by
// whitespace; trailing text without a confirmed boundary is returned as rest,
// since more of the sentence may still arrive.
func splitSentences(text string) (sentences []string, rest string) {
	start := 0
	i := 0
	for i < len(text) {
		if !strings.ContainsRune(sentenceTerminals, rune(text[i])) {
			i++
			continue
		}
		// Consume the punctuation run and any trailers.
		end := i + 1
		for end < len(text) && strings.ContainsRune(sentenceTerminals+sentenceTrailers, rune(text[end])) {
			end++
		}
		if end >= len(text) {
			// Boundary unconfirmed: the stream may continue this sentence
			// ("3." could become "3.14").
			break
		}
		if text[end] != ' ' && text[end] != '\n' && text[end] != '\t' && text[end] != '\r' {
			i = end
			continue
		}
		sentence := strings.TrimSpace(text[start:end])
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = end
		i = end
	}
	return sentences, strings.TrimLeft(text[start:], " \n\t\r")
}
