package cookiebridge

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWithCarrier(t *testing.T, b *Bridge, incoming map[string]string, setCookies ...string) *httptest.ResponseRecorder {
	t.Helper()
	h := b.Pack(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, sc := range setCookies {
			w.Header().Add("Set-Cookie", sc)
		}
		w.WriteHeader(http.StatusFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/callback", nil)
	if incoming != nil {
		req.AddCookie(b.Carrier(incoming))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func carrierFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCarrierName {
			return c
		}
	}
	return nil
}

func TestDeletingAbsentCookieKeepsCarrier(t *testing.T) {
	b := New("")
	rec := serveWithCarrier(t, b, map[string]string{"A": "1"}, "B=2; Max-Age=0")

	c := carrierFrom(t, rec)
	require.NotNil(t, c)
	packed, err := DecodeValue(c.Value)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1"}, packed)
	assert.Equal(t, CarrierMaxAge, c.MaxAge)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
}

func TestOverwriteReplacesPackedValue(t *testing.T) {
	b := New("")
	rec := serveWithCarrier(t, b, map[string]string{"A": "1"}, "A=9; Path=/; HttpOnly")

	c := carrierFrom(t, rec)
	require.NotNil(t, c)
	packed, err := DecodeValue(c.Value)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "9"}, packed)

	lines := rec.Header().Values("Set-Cookie")
	require.Len(t, lines, 2)
	assert.Equal(t, "A=9; Path=/; HttpOnly", lines[0], "original cookie must be forwarded unchanged")
}

func TestEmptyMapEmitsDeletingCarrier(t *testing.T) {
	b := New("")
	rec := serveWithCarrier(t, b, map[string]string{"A": "1"}, "A=; Max-Age=0")

	c := carrierFrom(t, rec)
	require.NotNil(t, c)
	assert.Empty(t, c.Value)
	assert.Equal(t, -1, c.MaxAge)
}

func TestCorruptCarrierTreatedAsEmpty(t *testing.T) {
	b := New("")
	h := b.Pack(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "state=xyz; Path=/")
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCarrierName, Value: "not-json"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	c := carrierFrom(t, rec)
	require.NotNil(t, c)
	packed, err := DecodeValue(c.Value)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"state": "xyz"}, packed)
}

func TestNoSetCookieLeavesResponseAlone(t *testing.T) {
	b := New("")
	rec := serveWithCarrier(t, b, map[string]string{"A": "1"})
	assert.Empty(t, rec.Header().Values("Set-Cookie"))
}

func TestCarrierSetByHandlerIsNotSelfReferenced(t *testing.T) {
	b := New("")
	rec := serveWithCarrier(t, b, nil, DefaultCarrierName+"=abc; Path=/")
	assert.Equal(t, []string{DefaultCarrierName + "=abc; Path=/"}, rec.Header().Values("Set-Cookie"))
}

func TestHandlerThatNeverWritesIsRewritten(t *testing.T) {
	b := New("")
	h := b.Pack(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session_token", Value: "tok"})
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))

	c := carrierFrom(t, rec)
	require.NotNil(t, c)
	packed, err := DecodeValue(c.Value)
	require.NoError(t, err)
	assert.Equal(t, "tok", packed["session_token"])
}

func TestCombinedSetCookieHeaderIsSplit(t *testing.T) {
	b := New("")
	combined := "a=1; Expires=Wed, 21 Oct 2037 07:28:00 GMT; Path=/, b=2; Path=/"
	rec := serveWithCarrier(t, b, nil, combined)

	lines := rec.Header().Values("Set-Cookie")
	require.Len(t, lines, 3)
	assert.Equal(t, "a=1; Expires=Wed, 21 Oct 2037 07:28:00 GMT; Path=/", lines[0])
	assert.Equal(t, "b=2; Path=/", lines[1])

	packed, err := DecodeValue(carrierFrom(t, rec).Value)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, packed)
}

func TestSplitSetCookie(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a=1", []string{"a=1"}},
		{"a=1, b=2", []string{"a=1", "b=2"}},
		{"a=1; Expires=Thu, 01 Jan 1970 00:00:00 GMT", []string{"a=1; Expires=Thu, 01 Jan 1970 00:00:00 GMT"}},
		{"__Secure-next.auth=1; Secure,__Host-csrf=2", []string{"__Secure-next.auth=1; Secure", "__Host-csrf=2"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SplitSetCookie(tc.in), tc.in)
	}
}

func TestUnpackPrefersDirectCookies(t *testing.T) {
	b := New("")
	var got map[string]string
	h := b.Unpack(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{}
		for _, c := range r.Cookies() {
			got[c.Name] = c.Value
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.AddCookie(b.Carrier(map[string]string{"A": "packed", "B": "2"}))
	req.AddCookie(&http.Cookie{Name: "A", Value: "direct"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "direct", got["A"])
	assert.Equal(t, "2", got["B"])
	assert.Contains(t, got, DefaultCarrierName)
}

func TestUnpackIgnoresCorruptCarrier(t *testing.T) {
	b := New("")
	called := false
	h := b.Unpack(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Len(t, r.Cookies(), 1)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCarrierName, Value: "%7Bbroken"})
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, called)
}

func TestDecodeValueAcceptsRawJSON(t *testing.T) {
	packed, err := DecodeValue(`{"A":"1"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1"}, packed)

	packed, err = DecodeValue("null")
	require.NoError(t, err)
	assert.NotNil(t, packed)
}

func TestUnescapedCarrierHeaderIsRead(t *testing.T) {
	b := New("")
	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set("Cookie", `other=x; `+DefaultCarrierName+`={"A":"packed","B":"2"}; A=direct`)

	packed, err := b.Decode(req)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "packed", "B": "2"}, packed)

	var got map[string]string
	h := b.Unpack(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{}
		for _, c := range r.Cookies() {
			got[c.Name] = c.Value
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "direct", got["A"])
	assert.Equal(t, "2", got["B"])
	assert.Equal(t, "x", got["other"])
}
