package session

import "strings"

// transcriptBuffer concatenates transcript deltas in arrival order. The
// session loop is the only writer, so no locking.
type transcriptBuffer struct {
	b strings.Builder
}

func (t *transcriptBuffer) Append(delta string) {
	t.b.WriteString(delta)
}

func (t *transcriptBuffer) Text() string {
	return t.b.String()
}

func (t *transcriptBuffer) Empty() bool {
	return strings.TrimSpace(t.b.String()) == ""
}

// audioBuffer stores raw PCM chunks in arrival order; Concat is only called
// by the finalizer.
type audioBuffer struct {
	chunks [][]byte
	size   int
}

func (a *audioBuffer) Append(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	// The caller may reuse its slice; keep our own copy.
	c := make([]byte, len(pcm))
	copy(c, pcm)
	a.chunks = append(a.chunks, c)
	a.size += len(c)
}

func (a *audioBuffer) Concat() []byte {
	if a.size == 0 {
		return nil
	}
	out := make([]byte, 0, a.size)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	return out
}

func (a *audioBuffer) Len() int {
	return a.size
}

func (a *audioBuffer) Empty() bool {
	return a.size == 0
}
