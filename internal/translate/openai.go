// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAITranslator translates text through a chat completion model.
type OpenAITranslator struct {
	client *openai.Client
	model  string
}

func NewOpenAITranslator(apiKey, model string) *OpenAITranslator {
	return &OpenAITranslator{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

const translateSystemPrompt = "You are a translation engine. Translate the user message into %s. " +
	"Preserve meaning, tone and named entities. Respond with only the translation, no commentary."

func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (*Result, error) {
	system := fmt.Sprintf(translateSystemPrompt, req.TargetLanguage)
	switch {
	case req.SourceLanguage != "" && req.SourceLanguage != "auto":
		system += fmt.Sprintf(" The source language is %s.", req.SourceLanguage)
	case req.PreferredLanguage != "":
		system += fmt.Sprintf(" Detect the source language; it is most likely %s.", req.PreferredLanguage)
	}

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
		Temperature: 0.2,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: no choices")
	}

	return &Result{
		TranslatedText:         strings.TrimSpace(resp.Choices[0].Message.Content),
		ResolvedSourceLanguage: req.SourceLanguage,
	}, nil
}
