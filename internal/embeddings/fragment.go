package embeddings

import "strings"

// Fragment splits a post's title, summary and body into the ordered list
// [title, summary, bodyChunk1, bodyChunk2, ...] used to build fragment
// embeddings. Body chunks are produced by splitting on the punctuation
// class .,;:!? and discarding empty pieces, matching the original
// server's chunk_text behaviour. The result is a pure function of its
// inputs and is stable under whitespace normalisation at fragment
// boundaries.
func Fragment(title, summary, body string) []string {
	fragments := make([]string, 0, 2+8)
	if t := strings.TrimSpace(title); t != "" {
		fragments = append(fragments, t)
	}
	if s := strings.TrimSpace(summary); s != "" {
		fragments = append(fragments, s)
	}
	fragments = append(fragments, chunkBody(body)...)
	return fragments
}

const bodyPunctuation = ".,;:!?"

func chunkBody(body string) []string {
	chunks := strings.FieldsFunc(body, func(r rune) bool {
		return strings.ContainsRune(bodyPunctuation, r)
	})

	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
