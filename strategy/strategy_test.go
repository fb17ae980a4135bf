package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/internal/testutil"
	"github.com/hupe1980/converse/model"
	"github.com/hupe1980/converse/taxonomy"
	"github.com/hupe1980/converse/tool"
)

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool      { return &b }

// -------------------- PartialReply Tests --------------------

func TestPartialReply_MergeIsMonotonic(t *testing.T) {
	p := &PartialReply{}
	p.Merge(model.Chunk{ContentDelta: "Hel"})
	p.Merge(model.Chunk{ContentDelta: "lo"})
	assert.Equal(t, "Hello", p.BestContent())

	// Structured content takes over once populated and never un-sets.
	p.Merge(model.Chunk{Fields: &model.ReplyFields{Content: strPtr("Hello there"), Tone: strPtr("warm")}})
	assert.Equal(t, "Hello there", p.BestContent())

	p.Merge(model.Chunk{Fields: &model.ReplyFields{Confidence: f64Ptr(0.8)}})
	assert.Equal(t, "Hello there", p.BestContent())
	assert.Equal(t, "warm", *p.fields.Tone)
}

func TestPartialReply_FinalizeRequiresCompletion(t *testing.T) {
	p := &PartialReply{}
	p.Merge(model.Chunk{ContentDelta: "partial"})

	_, err := p.Finalize("op", time.Now())
	var ee *taxonomy.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, taxonomy.KindDecodingFailure, ee.Kind)
}

func TestPartialReply_FinalizeRequiresAllFields(t *testing.T) {
	p := &PartialReply{}
	p.Merge(model.Chunk{Fields: &model.ReplyFields{Content: strPtr("hi")}, Complete: true})

	_, err := p.Finalize("op", time.Now())
	var ee *taxonomy.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, taxonomy.KindDecodingFailure, ee.Kind)
}

func TestPartialReply_FinalizeEmptyContentIsRetryable(t *testing.T) {
	p := &PartialReply{}
	p.Merge(model.Chunk{Fields: &model.ReplyFields{
		Content: strPtr("   "), Tone: strPtr("neutral"), Confidence: f64Ptr(0.5), Category: strPtr("general"),
	}, Complete: true})

	_, err := p.Finalize("op", time.Now())
	var ee *taxonomy.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, taxonomy.KindEmptyReply, ee.Kind)
}

func TestPartialReply_FinalizeClampsConfidence(t *testing.T) {
	p := &PartialReply{}
	p.Merge(model.Chunk{Fields: &model.ReplyFields{
		Content: strPtr("hi"), Tone: strPtr("neutral"), Confidence: f64Ptr(1.7), Category: strPtr("general"),
		RequiresFollowUp: boolPtr(true),
	}, Complete: true, Usage: &model.Usage{TotalTokens: 42}})

	msg, err := p.Finalize("op", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1.0, msg.Metadata.Confidence)
	assert.Equal(t, 42, msg.Metadata.TokenCount)
	assert.True(t, msg.Metadata.RequiresFollowUp)
}

// -------------------- Strategy Tests --------------------

func TestAtomic_Generate(t *testing.T) {
	session := model.NewMockSession()
	session.Enqueue(model.Script{Chunks: testutil.ReplyChunks("A full reply.", false)})

	msg, err := NewAtomic(session).Generate(context.Background(), "hi", GenContext{Persona: core.DefaultPersona}, nil)
	require.NoError(t, err)
	assert.Equal(t, "A full reply.", msg.Content)
	assert.False(t, msg.IsUser)

	reqs := session.Requests()
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].Stream)
	assert.Equal(t, model.ReplySchema.Name, reqs[0].Schema.Name)
}

func TestStreaming_GenerateEmitsPartials(t *testing.T) {
	session := model.NewMockSession()
	session.Enqueue(model.Script{Chunks: testutil.ReplyChunks("Hi!", true)})

	var partials []string
	msg, err := NewStreaming(session).Generate(context.Background(), "hi", GenContext{Persona: core.DefaultPersona}, func(content string) {
		partials = append(partials, content)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", msg.Content)
	require.NotEmpty(t, partials)
	assert.Equal(t, "H", partials[0])
	assert.Equal(t, "Hi!", partials[len(partials)-1])

	// Each partial extends the previous one.
	for i := 1; i < len(partials); i++ {
		assert.NotEqual(t, partials[i], partials[i-1])
	}
}

func TestStreaming_ErrorMidStream(t *testing.T) {
	session := model.NewMockSession()
	session.Enqueue(model.Script{
		Chunks: []model.Chunk{{ContentDelta: "Hel"}},
		Err:    errors.New("connection reset"),
	})

	_, err := NewStreaming(session).Generate(context.Background(), "hi", GenContext{}, nil)
	var ee *taxonomy.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, taxonomy.KindNetworkUnavailable, ee.Kind)
}

func TestGenerate_SimplifiedHalvesWindow(t *testing.T) {
	session := model.NewMockSession()
	session.Enqueue(model.Script{Chunks: testutil.ReplyChunks("ok", false)})

	history := testutil.Session(core.DefaultPersona, 8).RecentWindow(0)
	_, err := NewAtomic(session).Generate(context.Background(), "hi", GenContext{History: history, Simplified: true}, nil)
	require.NoError(t, err)

	reqs := session.Requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].History, 4)
	assert.Equal(t, int64(1024), reqs[0].MaxTokens)
}

func TestGenerate_ToolRoundTrip(t *testing.T) {
	capability := tool.NewFunctionCapability(
		"get_time", "Returns the current time",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			return "12:00", nil
		},
	)
	set := tool.NewCapabilitySet([]tool.Capability{capability})

	session := model.NewMockSession()
	session.Enqueue(
		model.Script{Chunks: []model.Chunk{{ToolCalls: []model.ToolCall{{ID: "c1", Name: "get_time", Arguments: "{}"}}}}},
		model.Script{Chunks: testutil.ReplyChunks("It is noon.", false)},
	)

	msg, err := NewAtomic(session).Generate(context.Background(), "what time is it?", GenContext{Capabilities: set}, nil)
	require.NoError(t, err)
	assert.Equal(t, "It is noon.", msg.Content)

	reqs := session.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].ToolExchanges, 1)
	assert.Equal(t, "12:00", reqs[1].ToolExchanges[0].Result)
	assert.Empty(t, reqs[1].ToolExchanges[0].Error)
}

func TestGenerate_ToolFailureIsReplayedNotFatal(t *testing.T) {
	capability := tool.NewFunctionCapability(
		"flaky", "Always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("downstream exploded")
		},
	)
	set := tool.NewCapabilitySet([]tool.Capability{capability})

	session := model.NewMockSession()
	session.Enqueue(
		model.Script{Chunks: []model.Chunk{{ToolCalls: []model.ToolCall{{ID: "c1", Name: "flaky", Arguments: "{}"}}}}},
		model.Script{Chunks: testutil.ReplyChunks("I could not look that up.", false)},
	)

	msg, err := NewAtomic(session).Generate(context.Background(), "hi", GenContext{Capabilities: set}, nil)
	require.NoError(t, err)
	assert.Equal(t, "I could not look that up.", msg.Content)

	reqs := session.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].ToolExchanges[0].Error, "downstream exploded")
}

func TestGenerate_ToolRoundBudgetExhausted(t *testing.T) {
	capability := tool.NewFunctionCapability(
		"loop", "Loops forever",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) { return "again", nil },
	)
	set := tool.NewCapabilitySet([]tool.Capability{capability})

	session := model.NewMockSession()
	for i := 0; i < maxToolRounds; i++ {
		session.Enqueue(model.Script{Chunks: []model.Chunk{{ToolCalls: []model.ToolCall{{ID: "c", Name: "loop", Arguments: "{}"}}}}})
	}

	_, err := NewAtomic(session).Generate(context.Background(), "hi", GenContext{Capabilities: set}, nil)
	var ee *taxonomy.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, taxonomy.KindDecodingFailure, ee.Kind)
	assert.Equal(t, maxToolRounds, session.CallCount())
}

func TestGenerate_HonorsCancellation(t *testing.T) {
	session := model.NewMockSession()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStreaming(session).Generate(ctx, "hi", GenContext{}, nil)
	require.Error(t, err)
}

// -------------------- Title Synthesis Tests --------------------

func TestGenerateTitle_FromStructuredField(t *testing.T) {
	session := model.NewMockSession()
	session.Enqueue(model.Script{Chunks: []model.Chunk{{
		Fields:   &model.ReplyFields{Content: strPtr("Planning A Weekend Trip")},
		Complete: true,
	}}})

	title, err := GenerateTitle(context.Background(), session, "help me plan a weekend trip")
	require.NoError(t, err)
	assert.Equal(t, "Planning A Weekend Trip", title)

	reqs := session.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.TitleSchema.Name, reqs[0].Schema.Name)
}

func TestGenerateTitle_FromRawJSONFallback(t *testing.T) {
	session := model.NewMockSession()
	session.Enqueue(model.Script{Chunks: []model.Chunk{
		{ContentDelta: `{"title": "Cooking Pasta Tonight"}`},
		{Complete: true},
	}})

	title, err := GenerateTitle(context.Background(), session, "how do I cook pasta")
	require.NoError(t, err)
	assert.Equal(t, "Cooking Pasta Tonight", title)
}

func TestGenerateTitle_ClampsToSixWords(t *testing.T) {
	session := model.NewMockSession()
	session.Enqueue(model.Script{Chunks: []model.Chunk{{
		Fields:   &model.ReplyFields{Content: strPtr("one two three four five six seven eight")},
		Complete: true,
	}}})

	title, err := GenerateTitle(context.Background(), session, "hi")
	require.NoError(t, err)
	assert.Equal(t, "one two three four five six", title)
}

func TestGenerateTitle_NoUsableText(t *testing.T) {
	session := model.NewMockSession()
	session.Enqueue(model.Script{Chunks: []model.Chunk{{ContentDelta: "not json at all"}, {Complete: true}}})

	_, err := GenerateTitle(context.Background(), session, "hi")
	var ee *taxonomy.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, taxonomy.KindDecodingFailure, ee.Kind)
}
