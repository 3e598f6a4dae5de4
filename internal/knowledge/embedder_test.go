package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelDimension(t *testing.T) {
	dim, ok := ModelDimension("openai", "text-embedding-3-small")
	require.True(t, ok)
	assert.Equal(t, 1536, dim)

	dim, ok = ModelDimension("OpenAI", "text-embedding-3-large")
	require.True(t, ok)
	assert.Equal(t, 3072, dim)

	_, ok = ModelDimension("openai", "unknown-model")
	assert.False(t, ok)

	_, ok = ModelDimension("local", "mini")
	assert.False(t, ok)
}

func TestNoopEmbedder(t *testing.T) {
	e := &NoopEmbedder{}
	assert.False(t, e.Ready())
	assert.Equal(t, 0, e.Dimensions())

	_, err := e.Embed(context.Background(), "text")
	assert.Error(t, err)
	_, err = e.EmbedBatch(context.Background(), []string{"text"})
	assert.Error(t, err)
}

func TestNewOpenAIEmbedderFallsBackWithoutKey(t *testing.T) {
	e := NewOpenAIEmbedder("", "text-embedding-3-small")
	_, ok := e.(*NoopEmbedder)
	assert.True(t, ok)

	e = NewOpenAIEmbedder("  ", "")
	_, ok = e.(*NoopEmbedder)
	assert.True(t, ok)
}

func TestNewOpenAIEmbedderDimensions(t *testing.T) {
	e := NewOpenAIEmbedder("sk-test", "text-embedding-3-large")
	assert.True(t, e.Ready())
	assert.Equal(t, 3072, e.Dimensions())

	// 未知模型回退到1536
	e = NewOpenAIEmbedder("sk-test", "custom-model")
	assert.Equal(t, 1536, e.Dimensions())
}
