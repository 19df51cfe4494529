// Package ai talks to the text-generation backends. Every backend is exposed as
// a Generator producing the same newline-delimited JSON byte stream.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Generator starts a streamed completion for prompt. The returned body yields
// NDJSON records with a "response" text fragment; cancelling ctx or closing
// the body aborts the call.
type Generator interface {
	Generate(ctx context.Context, prompt string) (io.ReadCloser, error)
}

// ArkGenerator adapts an eino chat model to the Generator wire format so the
// relay and its clients do not care which backend answered.
type ArkGenerator struct {
	chatModel model.BaseChatModel
	modelName string
	now       func() time.Time
}

// NewArkGenerator wraps chatModel. modelName is echoed in every record.
func NewArkGenerator(chatModel model.BaseChatModel, modelName string) *ArkGenerator {
	return &ArkGenerator{
		chatModel: chatModel,
		modelName: modelName,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Generate streams the model output re-encoded as NDJSON records.
func (g *ArkGenerator) Generate(ctx context.Context, prompt string) (io.ReadCloser, error) {
	stream, err := g.chatModel.Stream(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return nil, fmt.Errorf("failed to start ark stream: %w", err)
	}

	pr, pw := io.Pipe()
	go g.pump(ctx, stream, pw)
	return pr, nil
}

func (g *ArkGenerator) pump(ctx context.Context, stream *schema.StreamReader[*schema.Message], pw *io.PipeWriter) {
	defer stream.Close()

	enc := json.NewEncoder(pw)
	for {
		if err := ctx.Err(); err != nil {
			pw.CloseWithError(err)
			return
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			pw.CloseWithError(fmt.Errorf("ark stream recv failed: %w", err))
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		record := GenerateRecord{
			Model:     g.modelName,
			CreatedAt: g.now().Format(time.RFC3339Nano),
			Response:  chunk.Content,
		}
		if err := enc.Encode(record); err != nil {
			// Reader side closed; nothing left to deliver to.
			log.Printf("[ai] ark record dropped: %v", err)
			return
		}
	}

	final := GenerateRecord{
		Model:      g.modelName,
		CreatedAt:  g.now().Format(time.RFC3339Nano),
		Done:       true,
		DoneReason: "stop",
	}
	if err := enc.Encode(final); err != nil {
		log.Printf("[ai] ark final record dropped: %v", err)
		return
	}
	pw.Close()
}
