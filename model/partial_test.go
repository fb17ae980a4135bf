package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaInstructions(t *testing.T) {
	out := SchemaInstructions(ReplySchema)
	assert.Contains(t, out, ReplySchema.Name)
	assert.Contains(t, out, `"content"`)
	assert.Contains(t, out, "JSON")
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences(`  {"a":1}  `))
}

func TestExtractPartialContent(t *testing.T) {
	// Complete value inside a still-open object.
	content, ok := ExtractPartialContent(`{"content": "Hello there", "tone": "wa`)
	assert.True(t, ok)
	assert.Equal(t, "Hello there", content)

	// Truncated mid-string.
	content, ok = ExtractPartialContent(`{"content": "Hello th`)
	assert.True(t, ok)
	assert.Equal(t, "Hello th", content)

	// Truncated on an escape sequence drops the lone backslash.
	content, ok = ExtractPartialContent(`{"content": "line one\`)
	assert.True(t, ok)
	assert.Equal(t, "line one", content)

	// Escapes are decoded.
	content, ok = ExtractPartialContent(`{"content": "a \"quote\" and\nnewline"}`)
	assert.True(t, ok)
	assert.Equal(t, "a \"quote\" and\nnewline", content)

	// No content field yet.
	_, ok = ExtractPartialContent(`{"to`)
	assert.False(t, ok)

	// Field present but value not started.
	_, ok = ExtractPartialContent(`{"content":`)
	assert.False(t, ok)
}

func TestParseStructured(t *testing.T) {
	fields, err := ParseStructured(TitleSchema, []byte(`{"title": "Weekend Trip"}`))
	require.NoError(t, err)
	require.NotNil(t, fields.Content)
	assert.Equal(t, "Weekend Trip", *fields.Content)

	fields, err = ParseStructured(ReplySchema, []byte(`{"content": "hi", "tone": "warm", "confidence": 0.8, "category": "general"}`))
	require.NoError(t, err)
	require.NotNil(t, fields.Content)
	assert.Equal(t, "warm", *fields.Tone)

	_, err = ParseStructured(ReplySchema, []byte(`not json`))
	assert.Error(t, err)
}
