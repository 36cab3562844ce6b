// Package aiextract implements entity and relation extraction backed by an
// OpenAI chat-completion model.
package aiextract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"scholargraph/config"
	"scholargraph/models"
)

// ErrNoResultsExtracted indicates the model response contained no usable JSON.
var ErrNoResultsExtracted = errors.New("failed to extract any results from model response")

const (
	rateLimiterBurst = 5
	maxInputChars    = 24000

	entityPrompt = `You are a biomedical information extraction system.
Extract every distinct biomedical entity from the text below.
Allowed types: protein, gene, disease, drug, pathway, concept.
Respond with JSON: {"entities":[{"name":"...","type":"...","confidence":0.0}]}.
Confidence is your certainty in [0,1]. Do not invent entities.`

	relationPrompt = `You are a biomedical information extraction system.
Extract every explicitly stated relation between biomedical entities in the text below.
Relation types are short verbs such as inhibition, activation, binding, regulation, association, treatment.
Respond with JSON: {"relations":[{"source":"...","target":"...","type":"...","confidence":0.0}]}.
Confidence is your certainty in [0,1]. Only report relations the text supports.`
)

// Extractor calls a chat-completion model to pull entities and relations out
// of article text.
type Extractor struct {
	cfg         *config.Config
	client      *openai.Client
	logger      *zap.Logger
	rateLimiter *rate.Limiter
}

// NewExtractor creates a new extractor with a rate limiter sized from config.
func NewExtractor(cfg *config.Config, logger *zap.Logger) *Extractor {
	return &Extractor{
		cfg:         cfg,
		client:      openai.NewClient(cfg.OpenAIAPIKey),
		logger:      logger,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.OpenAIRateLimitRPS), rateLimiterBurst),
	}
}

// ExtractEntities returns the biomedical entities mentioned in text.
func (e *Extractor) ExtractEntities(ctx context.Context, text string) ([]models.Entity, error) {
	content, err := e.complete(ctx, entityPrompt, text)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Entities []models.Entity `json:"entities"`
	}
	if err := parseJSONObject(content, &wrapper); err != nil {
		return nil, err
	}

	entities := wrapper.Entities[:0]
	for _, ent := range wrapper.Entities {
		ent.Name = strings.TrimSpace(ent.Name)
		if ent.Name == "" {
			continue
		}
		ent.Type = strings.ToLower(strings.TrimSpace(ent.Type))
		if !models.ValidEntityType(ent.Type) {
			ent.Type = models.EntityTypeConcept
		}
		entities = append(entities, ent)
	}
	return entities, nil
}

// ExtractRelations returns the relations stated in text.
func (e *Extractor) ExtractRelations(ctx context.Context, text string) ([]models.Relation, error) {
	content, err := e.complete(ctx, relationPrompt, text)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Relations []models.Relation `json:"relations"`
	}
	if err := parseJSONObject(content, &wrapper); err != nil {
		return nil, err
	}

	relations := wrapper.Relations[:0]
	for _, rel := range wrapper.Relations {
		rel.Source = strings.TrimSpace(rel.Source)
		rel.Target = strings.TrimSpace(rel.Target)
		if rel.Source == "" || rel.Target == "" {
			continue
		}
		rel.Type = strings.ToLower(strings.TrimSpace(rel.Type))
		if rel.Type == "" {
			rel.Type = "association"
		}
		relations = append(relations, rel)
	}
	return relations, nil
}

func (e *Extractor) complete(ctx context.Context, prompt, text string) (string, error) {
	if err := e.rateLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.OpenAIModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: prompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoResultsExtracted
	}

	content := resp.Choices[0].Message.Content
	e.logger.Debug("model response", zap.Int("length", len(content)))
	return content, nil
}

// parseJSONObject unmarshals content into out, tolerating code fences some
// models wrap around JSON.
func parseJSONObject(content string, out any) error {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), out); err != nil {
		return fmt.Errorf("%w: %v", ErrNoResultsExtracted, err)
	}
	return nil
}
