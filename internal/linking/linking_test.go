package linking

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themegpt/themegpt/internal/entitlement"
	apierrors "github.com/themegpt/themegpt/internal/errors"
	"github.com/themegpt/themegpt/internal/store"
	"github.com/themegpt/themegpt/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var t0 = time.Date(2030, time.May, 5, 10, 0, 0, 0, time.UTC)

type fixture struct {
	protocol *Protocol
	signer   *token.Signer
	store    *store.SQLiteStore
	clock    *quartz.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(t0)

	signer, err := token.NewSigner(testSecret, clock)
	require.NoError(t, err)

	s, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateLicense(context.Background(), &entitlement.License{
		Key: "KEY-ABCD1234", Active: true, Plan: entitlement.SlotPlan{MaxSlots: 3},
	}))

	return &fixture{
		protocol: New(signer, s, clock, time.Second),
		signer:   signer,
		store:    s,
		clock:    clock,
	}
}

func TestGenerateIssuesLinkToken(t *testing.T) {
	f := newFixture(t)

	grant, err := f.protocol.Generate("user-1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 600, grant.ExpiresIn)
	assert.Len(t, grant.ShortCode, 8)
	assert.Equal(t, ShortCode(grant.Token), grant.ShortCode)
	assert.Equal(t, strings.ToUpper(grant.ShortCode), grant.ShortCode)

	claims, err := f.signer.Verify(grant.Token, token.PurposeLicenseLink)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)

	_, err = f.protocol.Generate("", "")
	assert.ErrorIs(t, err, apierrors.ErrAuth)
}

func TestConfirmLinksLicenseAndStatusReflectsIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.protocol.Status(ctx, "KEY-ABCD1234")
	require.NoError(t, err)
	raw, err := json.Marshal(before)
	require.NoError(t, err)
	assert.JSONEq(t, `{"linked":false,"linkedAt":null}`, string(raw))

	grant, err := f.protocol.Generate("user-1", "a@example.com")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	conf, err := f.protocol.Confirm(ctx, grant.Token, "KEY-ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, "user-1", conf.UserID)
	assert.Equal(t, "a@example.com", conf.Email)

	after, err := f.protocol.Status(ctx, "KEY-ABCD1234")
	require.NoError(t, err)
	assert.True(t, after.Linked)
	require.NotNil(t, after.LinkedAt)
	assert.True(t, after.LinkedAt.Equal(t0.Add(30*time.Second)))
}

func TestConfirmRejectsSecondLinkEvenForSameUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.protocol.Generate("user-1", "")
	require.NoError(t, err)
	_, err = f.protocol.Confirm(ctx, first.Token, "KEY-ABCD1234")
	require.NoError(t, err)

	retry, err := f.protocol.Generate("user-1", "")
	require.NoError(t, err)
	_, err = f.protocol.Confirm(ctx, retry.Token, "KEY-ABCD1234")
	require.ErrorIs(t, err, apierrors.ErrConflict)

	link, err := f.store.GetLicenseLink(ctx, "KEY-ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, "user-1", link.UserID)
}

func TestConcurrentConfirmYieldsExactlyOneSuccess(t *testing.T) {
	f := newFixture(t)

	alice, err := f.protocol.Generate("alice", "alice@example.com")
	require.NoError(t, err)
	bob, err := f.protocol.Generate("bob", "bob@example.com")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Confirmation, 2)
	errs := make([]error, 2)
	start := make(chan struct{})
	for i, tok := range []string{alice.Token, bob.Token} {
		wg.Add(1)
		go func(i int, tok string) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.protocol.Confirm(context.Background(), tok, "KEY-ABCD1234")
		}(i, tok)
	}
	close(start)
	wg.Wait()

	successes, conflicts := 0, 0
	for i := range errs {
		switch {
		case errs[i] == nil:
			successes++
		case apierrors.KindOf(errs[i]) == apierrors.KindConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func TestConfirmTokenExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid, err := f.protocol.Generate("user-1", "")
	require.NoError(t, err)
	expired, err := f.protocol.Generate("user-2", "")
	require.NoError(t, err)

	f.clock.Advance(599 * time.Second)
	_, err = f.protocol.Confirm(ctx, valid.Token, "KEY-ABCD1234")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	_, err = f.protocol.Confirm(ctx, expired.Token, "KEY-ABCD1234")
	require.ErrorIs(t, err, apierrors.ErrAuth)
}

func TestConfirmValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.protocol.Generate("user-1", "")
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
		key   string
		kind  apierrors.Kind
	}{
		{"missing token", "", "KEY-ABCD1234", apierrors.KindValidation},
		{"missing key", grant.Token, "", apierrors.KindValidation},
		{"oversized token", strings.Repeat("a", MaxTokenLength+1), "KEY-ABCD1234", apierrors.KindValidation},
		{"oversized key", grant.Token, strings.Repeat("K", MaxLicenseKeyLength+1), apierrors.KindValidation},
		{"garbage token", "abc.def.ghi", "KEY-ABCD1234", apierrors.KindAuth},
		{"unknown license", grant.Token, "KEY-UNKNOWN", apierrors.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.protocol.Confirm(ctx, tc.token, tc.key)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apierrors.KindOf(err))
		})
	}
}

func TestConfirmRejectsSessionToken(t *testing.T) {
	f := newFixture(t)

	raw, _, err := f.signer.Sign(token.PurposeSession, "user-1", "", time.Hour)
	require.NoError(t, err)

	_, err = f.protocol.Confirm(context.Background(), raw, "KEY-ABCD1234")
	require.ErrorIs(t, err, apierrors.ErrAuth)
	reason, _ := apierrors.Public(err)
	assert.Equal(t, "invalid_token_purpose", reason)
}

func TestStatusErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.protocol.Status(context.Background(), "")
	assert.ErrorIs(t, err, apierrors.ErrValidation)

	_, err = f.protocol.Status(context.Background(), "KEY-UNKNOWN")
	assert.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestShortCodeIsDisplayOnly(t *testing.T) {
	assert.Equal(t, ShortCode("abc"), ShortCode("abc"))
	assert.NotEqual(t, ShortCode("xxxxxxxxxxxxxxxxA"), ShortCode("xxxxxxxxxxxxxxxxB"))
	assert.NotEqual(t, ShortCode("aaaaaaaaaaaaaaaaaaaa"), ShortCode("aaaaaaaaaaaaaaaaaaab"),
		"the final byte must change the code")
	assert.Equal(t, "EHL6MTIZ", ShortCode("header.payload.signaturexyz123"))
	assert.Len(t, ShortCode("header.payload.signaturexyz123"), 8)
	assert.Equal(t, "YWJJ", ShortCode("abc"))
}
