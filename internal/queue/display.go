package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"
)

// ScrollingText reads the display marquee message; absent reads as "".
func (e *Engine) ScrollingText(ctx context.Context) (string, error) {
	raw, err := e.store.Get(ctx, store.PathScrollingText)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", fmt.Errorf("decode scrolling text: %w", err)
	}
	return text, nil
}

func (e *Engine) SetScrollingText(ctx context.Context, text string) error {
	payload, err := json.Marshal(text)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, store.PathScrollingText, payload)
}
