package engine

import (
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// RefusalAnswer is the reply the model is instructed to give when the
// retrieved context cannot answer the question.
const RefusalAnswer = "I don't have information about this topic in Paul Graham's essays."

// systemPrompt restricts the model to the retrieved essay passages.
const systemPrompt = "You are an AI assistant that answers questions exclusively based on Paul Graham's essays. " +
	"Only provide information that can be found in the provided context from Paul Graham's writings. " +
	"If the question cannot be answered using the provided context, respond with '" + RefusalAnswer + "' " +
	"Do not use general knowledge or information from other sources."

// userPrompt carries the retrieved context and the question.
const userPrompt = "Context information is below:\n" +
	"---------------------\n" +
	"{context_str}\n" +
	"---------------------\n" +
	"Question: {query_str}\n" +
	"Answer based only on the context above: "

// passageSeparator joins retrieved passages inside {context_str}.
const passageSeparator = "\n\n"

// newTemplate returns the chat template used for every question.
func newTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(userPrompt),
	)
}

// promptVars builds the template variables for one question.
func promptVars(passages []string, question string) map[string]any {
	return map[string]any{
		"context_str": strings.Join(passages, passageSeparator),
		"query_str":   question,
	}
}
