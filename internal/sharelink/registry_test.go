package sharelink_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/genwatch/internal/sharelink"
	"github.com/HerbHall/genwatch/internal/testutil"
)

func newRegistry(t *testing.T, opts ...sharelink.Option) (*sharelink.Registry, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	opts = append([]sharelink.Option{sharelink.WithClock(clock.Now)}, opts...)
	reg, err := sharelink.Open(context.Background(), testutil.NewStore(t), opts...)
	require.NoError(t, err)
	return reg, clock
}

func intPtr(n int) *int { return &n }

func siteParams() sharelink.CreateParams {
	return sharelink.CreateParams{
		Label:     "customer view",
		ScopeType: sharelink.ScopeSite,
		ScopeID:   "SN123",
		CreatedBy: "lan:192.168.1.10",
	}
}

func TestCreate_StoresHashOnly(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	reg, err := sharelink.Open(ctx, st)
	require.NoError(t, err)

	created, err := reg.Create(ctx, siteParams())
	require.NoError(t, err)
	assert.NotEmpty(t, created.Token)
	assert.Len(t, created.Token, 43, "32 bytes in unpadded base64url")
	assert.Equal(t, sharelink.RoleViewer, created.Role)

	var stored string
	require.NoError(t, st.DB().QueryRowContext(ctx,
		`SELECT token_hash FROM share_links WHERE id = ?`, created.ID).Scan(&stored))
	assert.Equal(t, sharelink.HashToken(created.Token), stored)
	assert.NotEqual(t, created.Token, stored)
	assert.Len(t, stored, 64)
}

func TestCreate_Defaults(t *testing.T) {
	reg, clock := newRegistry(t, sharelink.WithDefaultExpireDays(3))

	created, err := reg.Create(context.Background(), siteParams())
	require.NoError(t, err)
	require.NotNil(t, created.ExpiresAt)
	assert.Equal(t, clock.Now().AddDate(0, 0, 3), *created.ExpiresAt)

	p := siteParams()
	p.ExpireDays = 30
	created, err = reg.Create(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().AddDate(0, 0, 30), *created.ExpiresAt)
}

func TestCreate_Validation(t *testing.T) {
	reg, _ := newRegistry(t)
	tests := []struct {
		name string
		p    sharelink.CreateParams
	}{
		{"unknown scope", sharelink.CreateParams{ScopeType: "region"}},
		{"site without id", sharelink.CreateParams{ScopeType: sharelink.ScopeSite}},
		{"zero max uses", sharelink.CreateParams{ScopeType: sharelink.ScopeAll, MaxUses: intPtr(0)}},
		{"bad role", sharelink.CreateParams{ScopeType: sharelink.ScopeAll, Role: "root"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Create(context.Background(), tt.p)
			assert.ErrorIs(t, err, sharelink.ErrBadParams)
		})
	}
}

func TestLifecycle_SingleUse(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	p := siteParams()
	p.MaxUses = intPtr(1)
	created, err := reg.Create(ctx, p)
	require.NoError(t, err)

	link, err := reg.Redeem(ctx, created.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, link.UseCount)
	assert.Equal(t, "SN123", link.ScopeID)

	_, err = reg.Redeem(ctx, created.Token)
	assert.ErrorIs(t, err, sharelink.ErrInvalid)

	// Continuing with the already-opened session is not another use. An
	// exhausted link cannot be revalidated either, so check the counter via Get.
	before, err := reg.Get(ctx, created.ID)
	require.NoError(t, err)
	_, _ = reg.Revalidate(ctx, created.ID)
	after, err := reg.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UseCount, after.UseCount)
}

func TestRevalidate_DoesNotConsume(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	p := siteParams()
	p.MaxUses = intPtr(2)
	created, err := reg.Create(ctx, p)
	require.NoError(t, err)
	_, err = reg.Redeem(ctx, created.Token)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		link, err := reg.Revalidate(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, link.UseCount)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	reg, clock := newRegistry(t)

	created, err := reg.Create(ctx, siteParams())
	require.NoError(t, err)
	_, err = reg.Redeem(ctx, created.Token)
	require.NoError(t, err)

	revokedAt := clock.Advance(time.Minute)
	require.NoError(t, reg.Revoke(ctx, created.ID))

	_, err = reg.Redeem(ctx, created.Token)
	assert.ErrorIs(t, err, sharelink.ErrInvalid)
	_, err = reg.Revalidate(ctx, created.ID)
	assert.ErrorIs(t, err, sharelink.ErrInvalid)

	clock.Advance(time.Minute)
	assert.ErrorIs(t, reg.Revoke(ctx, created.ID), sharelink.ErrNotFound)
	assert.ErrorIs(t, reg.Revoke(ctx, 9999), sharelink.ErrNotFound)

	link, err := reg.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, link.RevokedAt)
	assert.Equal(t, revokedAt, *link.RevokedAt, "second revoke must not overwrite timestamp")
	assert.Equal(t, "revoked", link.State(clock.Now()))
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	reg, clock := newRegistry(t)

	p := siteParams()
	p.ExpireDays = 1
	created, err := reg.Create(ctx, p)
	require.NoError(t, err)

	clock.Advance(23 * time.Hour)
	_, err = reg.Redeem(ctx, created.Token)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = reg.Redeem(ctx, created.Token)
	assert.ErrorIs(t, err, sharelink.ErrInvalid)
	_, err = reg.Revalidate(ctx, created.ID)
	assert.ErrorIs(t, err, sharelink.ErrInvalid)

	link, err := reg.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "expired", link.State(clock.Now()))
}

func TestRedeem_UnknownToken(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Redeem(context.Background(), "nope")
	assert.ErrorIs(t, err, sharelink.ErrInvalid)
	_, err = reg.Redeem(context.Background(), "")
	assert.ErrorIs(t, err, sharelink.ErrInvalid)
}

func TestRedeem_ConcurrentSingleUse(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	p := siteParams()
	p.MaxUses = intPtr(1)
	created, err := reg.Create(ctx, p)
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Redeem(ctx, created.Token); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestListAndGet(t *testing.T) {
	ctx := context.Background()
	reg, clock := newRegistry(t)

	empty, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	first, err := reg.Create(ctx, sharelink.CreateParams{Label: "all", ScopeType: sharelink.ScopeAll, ScopeID: "ignored"})
	require.NoError(t, err)
	second, err := reg.Create(ctx, siteParams())
	require.NoError(t, err)

	links, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, second.ID, links[0].ID)
	assert.Equal(t, first.ID, links[1].ID)
	assert.Empty(t, links[1].ScopeID, "scope id is dropped for all-sites links")
	assert.Equal(t, "active", links[0].State(clock.Now()))

	_, err = reg.Get(ctx, 9999)
	assert.ErrorIs(t, err, sharelink.ErrNotFound)
}
