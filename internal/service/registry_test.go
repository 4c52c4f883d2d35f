package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"booru_mirror/internal/domain"
	"booru_mirror/internal/service/mocks"
)

func TestRegistry(t *testing.T) {
	ctrl := gomock.NewController(t)

	gelbooru := mocks.NewMockProvider(ctrl)
	gelbooru.EXPECT().ID().Return("gelbooru").AnyTimes()
	rule34 := mocks.NewMockProvider(ctrl)
	rule34.EXPECT().ID().Return("rule34").AnyTimes()

	r := NewRegistry(rule34, gelbooru)

	p, err := r.Provider("rule34")
	require.NoError(t, err)
	assert.Same(t, rule34, p)
	assert.Equal(t, []string{"gelbooru", "rule34"}, r.IDs())

	_, err = r.Provider("e621")
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
	assert.Contains(t, err.Error(), `"e621"`)
}
