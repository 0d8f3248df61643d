package crawler

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     *Request
		wantErr bool
	}{
		{name: "nil", req: nil, wantErr: true},
		{name: "missing url", req: &Request{}, wantErr: true},
		{name: "relative url", req: &Request{URL: "/about"}, wantErr: true},
		{name: "bad method", req: &Request{Method: http.MethodDelete, URL: "https://example.com"}, wantErr: true},
		{name: "default get", req: &Request{URL: "https://example.com"}},
		{name: "post", req: &Request{Method: http.MethodPost, URL: "https://example.com/form"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRequestWithCallbackCopiesMeta(t *testing.T) {
	t.Parallel()

	orig := NewRequest("alpha", "https://example.com")
	routed := orig.WithCallback("parseDetail")

	require.Equal(t, "parseDetail", routed.Meta.Callback())
	require.Empty(t, orig.Meta.Callback())
	require.Equal(t, "alpha", routed.Spider())
}

func TestMetaAccessors(t *testing.T) {
	t.Parallel()

	var empty Meta
	require.Empty(t, empty.Spider())
	require.Zero(t, empty.Int(MetaDepth))
	require.NotNil(t, empty.Clone())

	m := Meta{MetaDepth: 3, "weight": 2.0, MetaSpider: 7}
	require.Equal(t, 3, m.Int(MetaDepth))
	require.Equal(t, 2, m.Int("weight"))
	require.Empty(t, m.Spider())
}

func TestOutcomeFailed(t *testing.T) {
	t.Parallel()

	req := NewRequest("alpha", "https://example.com")
	require.False(t, Outcome{Response: &Response{}, Request: req}.Failed())
	require.True(t, Outcome{Err: errors.New("boom"), Request: req}.Failed())
	require.Equal(t, "alpha", Outcome{Request: req}.Spider())
	require.Empty(t, Outcome{}.Spider())
}
