package spider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

type quotes struct {
	Base
}

func TestBaseDefaults(t *testing.T) {
	t.Parallel()

	s := &quotes{Base: Base{SpiderName: "quotes"}}
	var sp Spider = s
	ctx := context.Background()

	require.Equal(t, "quotes", sp.Name())
	require.NoError(t, sp.Setup(ctx))
	require.Nil(t, sp.StartRequests(ctx))
	require.Nil(t, sp.HandleResponse(ctx, &crawler.Response{}, &crawler.Request{}))
	require.Nil(t, sp.HandleError(ctx, context.Canceled, &crawler.Request{}))
	require.NoError(t, sp.Teardown(ctx))
}

func TestBaseCallbacks(t *testing.T) {
	t.Parallel()

	s := &quotes{Base: Base{SpiderName: "quotes"}}
	_, ok := s.Callback("detail")
	require.False(t, ok)

	called := false
	s.Handle("detail", func(context.Context, *crawler.Response, *crawler.Request) Requests {
		called = true
		return None()
	})
	var provider CallbackProvider = s
	fn, ok := provider.Callback("detail")
	require.True(t, ok)
	fn(context.Background(), &crawler.Response{}, &crawler.Request{})
	require.True(t, called)

	s.Handle("nil", nil)
	_, ok = s.Callback("nil")
	require.False(t, ok)
}
