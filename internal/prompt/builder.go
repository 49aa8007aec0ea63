// Package prompt turns an inbound chat message into ACP content blocks
// and drives one prompt turn through the Agent Manager, including the
// thinking-notification timers and cancellation plumbing behind /stop.
package prompt

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/qqacp/bridge/internal/common/logger"
	"github.com/qqacp/bridge/internal/image"
	"github.com/qqacp/bridge/internal/message"
	"github.com/qqacp/bridge/pkg/acp"
)

const imagePlaceholder = "[image]"

// Builder converts a parsed chat message into the ordered content blocks
// sent as session/prompt's prompt array.
type Builder struct {
	fetcher *image.Fetcher
	log     *logger.Logger
}

// NewBuilder builds a Builder using fetcher to resolve image placeholders.
func NewBuilder(fetcher *image.Fetcher, log *logger.Logger) *Builder {
	return &Builder{fetcher: fetcher, log: log.With(zap.String("component", "prompt_builder"))}
}

type fetchedImage struct {
	data string
	mime string
	ok   bool
}

// Build renders msg as content blocks: one leading text block carrying
// the context header and the message body, then one image block per
// successfully downloaded attachment, in attachment order.
//
// Each positional "[image]" placeholder in the body stays literal when
// its attachment downloaded (the agent sees the real image block after
// the text); otherwise it is rewritten to "[image url=<url>]" so the
// agent at least sees where the image lives. When supportsImage is
// false no download is attempted at all.
func (b *Builder) Build(ctx context.Context, msg message.Message, supportsImage bool) []acp.ContentBlock {
	fetched := make([]fetchedImage, len(msg.Images))
	if supportsImage {
		for i, img := range msg.Images {
			data, mime, err := b.fetcher.Fetch(ctx, img.URL)
			if err != nil {
				b.log.Warn("image fetch failed", zap.String("url", img.URL), zap.Error(err))
				continue
			}
			fetched[i] = fetchedImage{data: data, mime: mime, ok: true}
		}
	}

	segments := strings.Split(msg.Text, imagePlaceholder)
	placeholders := len(segments) - 1

	var body strings.Builder
	for i, seg := range segments {
		body.WriteString(seg)
		if i == len(segments)-1 {
			break
		}
		if i < len(msg.Images) {
			body.WriteString(b.marker(msg.Images[i], fetched[i]))
		} else {
			// the text said "[image]" but nothing was attached
			body.WriteString(imagePlaceholder)
		}
	}

	if placeholders > len(msg.Images) {
		b.log.Warn("more image placeholders than attachments",
			zap.Int("placeholders", placeholders), zap.Int("attachments", len(msg.Images)))
	}
	for i := placeholders; i < len(msg.Images); i++ {
		b.log.Warn("image attachment without a matching placeholder, appending", zap.Int("index", i))
		body.WriteString("\n")
		body.WriteString(b.marker(msg.Images[i], fetched[i]))
	}

	blocks := []acp.ContentBlock{acp.TextBlock(msg.ContextHeader() + "\n" + body.String())}
	if supportsImage {
		for _, f := range fetched {
			if f.ok {
				blocks = append(blocks, acp.ImageBlock(f.data, f.mime))
			}
		}
	}
	return blocks
}

func (b *Builder) marker(img message.Image, f fetchedImage) string {
	if f.ok {
		return imagePlaceholder
	}
	if img.URL == "" {
		return imagePlaceholder
	}
	return "[image url=" + img.URL + "]"
}
