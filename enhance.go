package opsignal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// EnhancedClassification is the structured response from the AI enhancement
// call for one low-confidence signal.
type EnhancedClassification struct {
	RootCause    string  `json:"root_cause" jsonschema:"description=One of PROCESS RESOURCE COMMUNICATION TECHNOLOGY TRAINING QUALITY EXTERNAL"`
	Confidence   float64 `json:"confidence" jsonschema:"description=Confidence between 0 and 1"`
	Reasoning    string  `json:"reasoning" jsonschema:"description=One sentence explaining the category choice"`
	ProjectPhase string  `json:"project_phase" jsonschema:"description=Project phase if identifiable, otherwise UNKNOWN"`
}

// SignalEnhancer re-classifies low-confidence signals via the OpenAI chat
// API with structured outputs. Enhancement is strictly additive: any failure
// leaves the rule-based classification in place and surfaces as a warning,
// never as a pipeline error.
type SignalEnhancer struct {
	apiKey string
	model  openai.ChatModel
}

// NewSignalEnhancer returns an enhancer using the globally configured key.
func NewSignalEnhancer() *SignalEnhancer {
	return &SignalEnhancer{apiKey: Config.OpenAIAPIKey, model: openai.ChatModelGPT4_1}
}

// Enhance upgrades the classifications flagged AIEnhancementNeeded in place.
// Returns one warning per signal that could not be enhanced.
func (e *SignalEnhancer) Enhance(ctx context.Context, signals []Signal, classifications map[string]DomainClassificationResult) []string {
	if e.apiKey == "" {
		return []string{"AI enhancement requested but no API key is configured"}
	}

	var warnings []string
	for _, signal := range signals {
		classification, ok := classifications[signal.ID]
		if !ok || !classification.AIEnhancementNeeded {
			continue
		}

		enhanced, err := e.classifyWithRetry(ctx, signal)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("enhancement failed for signal %s: %v", signal.ID, err))
			continue
		}

		rc := RootCause(strings.ToUpper(strings.TrimSpace(enhanced.RootCause)))
		if !rc.Valid() {
			warnings = append(warnings, fmt.Sprintf("enhancement returned unknown category %q for signal %s", enhanced.RootCause, signal.ID))
			continue
		}

		// Only accept the AI answer when it is more confident than the
		// rules were.
		if enhanced.Confidence <= classification.Confidence {
			continue
		}

		classification.RootCause = rc
		classification.Confidence = clamp01(enhanced.Confidence)
		classification.AIEnhancementNeeded = false
		if enhanced.ProjectPhase != "" && classification.BusinessContext.ProjectPhase == "UNKNOWN" {
			classification.BusinessContext.ProjectPhase = enhanced.ProjectPhase
		}
		classifications[signal.ID] = classification
		log.Printf("Enhanced classification for signal %s: %s (confidence %.2f)", signal.ID, rc, enhanced.Confidence)
	}
	return warnings
}

// classifyWithRetry wraps classifySignal with retry logic for transient
// response-parsing failures.
func (e *SignalEnhancer) classifyWithRetry(ctx context.Context, signal Signal) (EnhancedClassification, error) {
	maxRetries := 3
	baseDelay := 2 * time.Second

	for attempt := range maxRetries {
		enhanced, err := e.classifySignal(ctx, signal)
		if err != nil {
			if strings.Contains(err.Error(), "no content in response") ||
				strings.Contains(err.Error(), "failed to parse structured response") {

				if attempt == maxRetries-1 {
					return EnhancedClassification{}, fmt.Errorf("failed to enhance after %d retries: %w", maxRetries, err)
				}
				delay := baseDelay * time.Duration(attempt+1)
				log.Printf("Transient error for signal %s (attempt %d/%d), retrying in %v: %v",
					signal.ID, attempt+1, maxRetries, delay, err)
				time.Sleep(delay)
				continue
			}
			return EnhancedClassification{}, err
		}
		return enhanced, nil
	}

	return EnhancedClassification{}, fmt.Errorf("unexpected error in retry loop")
}

func (e *SignalEnhancer) classifySignal(ctx context.Context, signal Signal) (EnhancedClassification, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schemaObj := reflector.Reflect(&EnhancedClassification{})
	if schemaObj.Type == "" {
		schemaObj.Type = "object"
	}

	schemaBytes, err := json.Marshal(schemaObj)
	if err != nil {
		return EnhancedClassification{}, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var schema any
	if err := json.Unmarshal(schemaBytes, &schema); err != nil {
		return EnhancedClassification{}, fmt.Errorf("failed to unmarshal schema: %w", err)
	}

	systemContent := `You classify operational issues reported inside an architecture and engineering firm into exactly one root-cause category: PROCESS, RESOURCE, COMMUNICATION, TECHNOLOGY, TRAINING, QUALITY, or EXTERNAL. Consider the firm's context: project phases, client relationships, regulatory approvals, and design tooling. Answer with the single best-fitting category and an honest confidence.`
	userContent := fmt.Sprintf("Classify this operational signal:\n\nTitle: %s\nDescription: %s\nDepartment: %s\nSeverity: %s",
		signal.Title, signal.Description, signal.Department, signal.Severity)

	client := openai.NewClient(option.WithAPIKey(e.apiKey))
	chatCompletion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemContent),
			openai.UserMessage(userContent),
		},
		Model:       e.model,
		MaxTokens:   openai.Int(500),
		Temperature: openai.Float(0.1),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "signal_classification",
					Description: openai.String("Root-cause classification of an operational signal"),
					Schema:      schema,
					Strict:      openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return EnhancedClassification{}, fmt.Errorf("failed to call OpenAI API: %w", err)
	}

	if len(chatCompletion.Choices) == 0 || chatCompletion.Choices[0].Message.Content == "" {
		return EnhancedClassification{}, fmt.Errorf("no content in response")
	}

	var enhanced EnhancedClassification
	if err := json.Unmarshal([]byte(chatCompletion.Choices[0].Message.Content), &enhanced); err != nil {
		return EnhancedClassification{}, fmt.Errorf("failed to parse structured response: %w", err)
	}
	return enhanced, nil
}
