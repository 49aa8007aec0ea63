// Package reply defines the tagged reply-part value shared by the
// accumulator, prompt runner, and transport segment conversion.
package reply

// Part is a tagged reply value: either Text or Image, never both.
type Part struct {
	Text    string
	Base64  string
	Mime    string
	IsImage bool
}

// NewText builds a text reply part.
func NewText(text string) Part {
	return Part{Text: text}
}

// NewImage builds an image reply part.
func NewImage(base64, mime string) Part {
	return Part{Base64: base64, Mime: mime, IsImage: true}
}

// Parts is an ordered sequence of reply parts.
type Parts []Part

// TextLen returns the total rune count across all text parts, for logging.
func (p Parts) TextLen() int {
	n := 0
	for _, part := range p {
		if !part.IsImage {
			n += len([]rune(part.Text))
		}
	}
	return n
}
