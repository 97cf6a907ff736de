package common

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValOrErr(t *testing.T) {
	v, err := ValOrErr(42, nil)
	assert.NoError(t, err)
	assert.Equal(t, 42, v)

	p, err := ValOrErr(&struct{ x int }{x: 1}, errors.New("nope"))
	assert.Error(t, err)
	assert.Nil(t, p)
}

func TestIsContextError(t *testing.T) {
	assert.True(t, IsContextError(context.Canceled))
	assert.True(t, IsContextError(context.DeadlineExceeded))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, IsContextError(ctx.Err()))
	assert.False(t, IsContextError(errors.New("other")))
	assert.False(t, IsContextError(nil))
}
