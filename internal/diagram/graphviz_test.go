package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/fluxion/pkg/schema"
)

func TestRenderImagePipeline(t *testing.T) {
	model, err := Build(pipelineDefinition(), nil)
	require.NoError(t, err)

	png, err := RenderImage(model)
	require.NoError(t, err)
	require.NotEmpty(t, png)

	// PNG magic bytes: 0x89 P N G.
	assert.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, byte('P'), png[1])
	assert.Equal(t, byte('N'), png[2])
	assert.Equal(t, byte('G'), png[3])
}

func TestRenderImageWithStatus(t *testing.T) {
	states := []*schema.State{
		{Name: "fetch", Status: schema.StatusCompleted},
		{Name: "left", Status: schema.StatusRunning},
		{Name: "right", Status: schema.StatusErrored},
		{Name: "join", Status: schema.StatusInitialized},
	}
	model, err := Build(pipelineDefinition(), states)
	require.NoError(t, err)

	png, err := RenderImage(model)
	require.NoError(t, err)
	require.NotEmpty(t, png)
	assert.Equal(t, byte(0x89), png[0])
}
