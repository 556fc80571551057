package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/memory"
)

func TestRedeemRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.newFamily(t, []string{"read", "write"})
	parent := env.mustGetRefresh(t, first.RefreshToken)

	resp, err := env.engine.Redeem(context.Background(), first.RefreshToken, env.client, nil)
	if err != nil {
		t.Fatalf("Redeem() error: %v", err)
	}

	consumed := env.mustGetRefresh(t, first.RefreshToken)
	if consumed.State != storage.StateUsed {
		t.Errorf("presented token state = %q, want %q", consumed.State, storage.StateUsed)
	}
	if consumed.UsedAt.IsZero() {
		t.Error("UsedAt not recorded on consumption")
	}

	next := env.mustGetRefresh(t, resp.RefreshToken)
	if next.FamilyID != parent.FamilyID {
		t.Errorf("successor family = %q, want %q", next.FamilyID, parent.FamilyID)
	}
	if next.Generation != parent.Generation+1 {
		t.Errorf("successor generation = %d, want %d", next.Generation, parent.Generation+1)
	}
	if next.ParentID != parent.ID {
		t.Errorf("successor parent = %q, want %q", next.ParentID, parent.ID)
	}
	if next.State != storage.StateActive {
		t.Errorf("successor state = %q, want %q", next.State, storage.StateActive)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.Redeem(context.Background(), "no-such-token", env.client, nil)
	wantKind(t, err, KindInvalidGrant)
}

// A narrowed rotation narrows the whole remainder of the family: once a
// generation drops a scope, later generations cannot win it back.
func TestRedeemScopeNarrowing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.newFamily(t, []string{"read", "write", "admin"})

	second, err := env.engine.Redeem(ctx, first.RefreshToken, env.client, []string{"read", "write"})
	if err != nil {
		t.Fatalf("narrowing Redeem() error: %v", err)
	}
	if got, want := len(second.Scope), 2; got != want {
		t.Fatalf("narrowed scope = %v, want 2 scopes", second.Scope)
	}

	// Asking the narrowed token for the dropped scope is escalation.
	_, err = env.engine.Redeem(ctx, second.RefreshToken, env.client, []string{"read", "write", "admin"})
	ge := wantKind(t, err, KindInvalidScope)
	if want := "requested scopes exceed the granted scope: admin"; ge.Description != want {
		t.Errorf("Description = %q, want %q", ge.Description, want)
	}

	// The escalation attempt must not consume the token.
	if state := env.mustGetRefresh(t, second.RefreshToken).State; state != storage.StateActive {
		t.Fatalf("token state after escalation attempt = %q, want %q", state, storage.StateActive)
	}

	// An empty request inherits the narrowed scope.
	third, err := env.engine.Redeem(ctx, second.RefreshToken, env.client, nil)
	if err != nil {
		t.Fatalf("inheriting Redeem() error: %v", err)
	}
	record := env.mustGetRefresh(t, third.RefreshToken)
	if record.Generation != 3 {
		t.Errorf("generation = %d, want 3", record.Generation)
	}
	if got := record.Scope; len(got) != 2 || got[0] != "read" || got[1] != "write" {
		t.Errorf("inherited scope = %v, want [read write]", got)
	}
}

func TestRedeemBurnOnScopeEscalation(t *testing.T) {
	env := newTestEnv(t, &Config{
		BurnTokenOnScopeEscalation: true,
	})
	ctx := context.Background()
	first := env.newFamily(t, []string{"read"})

	_, err := env.engine.Redeem(ctx, first.RefreshToken, env.client, []string{"read", "admin"})
	wantKind(t, err, KindInvalidScope)

	if state := env.mustGetRefresh(t, first.RefreshToken).State; state != storage.StateUsed {
		t.Fatalf("token state after burned escalation = %q, want %q", state, storage.StateUsed)
	}

	// The burned token is consumed, so the legitimate holder is locked out.
	_, err = env.engine.Redeem(ctx, first.RefreshToken, env.client, nil)
	wantKind(t, err, KindInvalidGrant)
}

// Of any number of concurrent redemptions of the same token, exactly one
// may succeed. The losers observe the consumed state inside the grace
// window, so the family survives.
func TestRedeemConcurrentExactlyOneSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.newFamily(t, []string{"read"})

	const goroutines = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int64
		winner    atomic.Value
	)
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			resp, err := env.engine.Redeem(ctx, first.RefreshToken, env.client, nil)
			if err == nil {
				successes.Add(1)
				winner.Store(resp.RefreshToken)
				return
			}
			var ge *GrantError
			if !errors.As(err, &ge) || ge.Kind != KindInvalidGrant {
				t.Errorf("loser got %v, want invalid_grant", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("concurrent redemptions succeeded %d times, want exactly 1", got)
	}

	// Benign duplicates must not have revoked the family: the winner's
	// token is still redeemable.
	next, _ := winner.Load().(string)
	if next == "" {
		t.Fatal("winner recorded no successor token")
	}
	if _, err := env.engine.Redeem(ctx, next, env.client, nil); err != nil {
		t.Fatalf("successor Redeem() error: %v, want success", err)
	}
}

// revokeAfterCAS wraps the memory store and runs a hook right after a
// successful state transition. It reproduces a family revocation landing
// between a redemption's consume step and its successor insert.
type revokeAfterCAS struct {
	*memory.Store
	afterCAS func()
}

func (s *revokeAfterCAS) CASTransition(ctx context.Context, id string, expected, next storage.TokenState, usedAt time.Time) error {
	err := s.Store.CASTransition(ctx, id, expected, next, usedAt)
	if err == nil && s.afterCAS != nil {
		s.afterCAS()
	}
	return err
}

func TestRedeemRevokeRaceEndsRevoked(t *testing.T) {
	inner := memory.NewWithInterval(time.Hour)
	inner.SetLogger(testutil.DiscardLogger())
	t.Cleanup(inner.Stop)
	store := &revokeAfterCAS{Store: inner}
	ctx := context.Background()

	client := testutil.NewConfidentialClient(t, testClientID, testClientSecret,
		[]string{GrantTypeRefreshToken}, testScopes)
	if err := inner.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error: %v", err)
	}
	eng, err := New(store, inner, issuer.NewOpaque(time.Hour), nil, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	first, err := eng.NewFamily(ctx, client, testPrincipalID, []string{"read"})
	if err != nil {
		t.Fatalf("NewFamily() error: %v", err)
	}
	record, err := inner.GetRefreshToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken() error: %v", err)
	}
	familyID := record.FamilyID

	// The revocation completes after the presented token is consumed but
	// before its successor exists. Whichever way this race goes, the family
	// must end up revoked in its entirety.
	store.afterCAS = func() {
		if err := eng.RevokeFamily(ctx, familyID, "logout"); err != nil {
			t.Errorf("RevokeFamily() error: %v", err)
		}
	}

	resp, err := eng.Redeem(ctx, first.RefreshToken, client, nil)
	if resp != nil {
		t.Fatalf("Redeem() racing a revocation returned tokens; revocation did not win")
	}
	wantKind(t, err, KindInvalidGrant)

	got, err := inner.GetRefreshToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken() error: %v", err)
	}
	if got.State != storage.StateRevoked {
		t.Errorf("presented token state = %q, want %q", got.State, storage.StateRevoked)
	}

	// No generation survived: another redemption attempt finds nothing usable.
	store.afterCAS = nil
	_, err = eng.Redeem(ctx, first.RefreshToken, client, nil)
	wantKind(t, err, KindInvalidGrant)
}

func TestRedeemReplayInsideGraceWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.newFamily(t, []string{"read"})

	resp, err := env.engine.Redeem(ctx, first.RefreshToken, env.client, nil)
	if err != nil {
		t.Fatalf("Redeem() error: %v", err)
	}

	// 5s later with the default 10s window: a retry, not theft.
	env.clock.Advance(5 * time.Second)
	_, err = env.engine.Redeem(ctx, first.RefreshToken, env.client, nil)
	wantKind(t, err, KindInvalidGrant)

	if state := env.mustGetRefresh(t, resp.RefreshToken).State; state != storage.StateActive {
		t.Fatalf("successor state after benign replay = %q, want %q", state, storage.StateActive)
	}
}

func TestRedeemReplayOutsideGraceWindowRevokesFamily(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.newFamily(t, []string{"read"})

	resp, err := env.engine.Redeem(ctx, first.RefreshToken, env.client, nil)
	if err != nil {
		t.Fatalf("Redeem() error: %v", err)
	}

	// 30s later with the default 10s window: theft.
	env.clock.Advance(30 * time.Second)
	_, err = env.engine.Redeem(ctx, first.RefreshToken, env.client, nil)
	wantKind(t, err, KindInvalidGrant)

	// The whole family is dead, current generation included.
	for _, id := range []string{first.RefreshToken, resp.RefreshToken} {
		if state := env.mustGetRefresh(t, id).State; state != storage.StateRevoked {
			t.Errorf("token %q state = %q, want %q", safeTruncate(id, 8), state, storage.StateRevoked)
		}
	}
	_, err = env.engine.Redeem(ctx, resp.RefreshToken, env.client, nil)
	wantKind(t, err, KindInvalidGrant)

	// Access tokens minted by the family fall with it.
	for _, id := range []string{first.AccessToken, resp.AccessToken} {
		access, err := env.store.GetAccessToken(ctx, id)
		if err != nil {
			t.Fatalf("GetAccessToken() error: %v", err)
		}
		if !access.Revoked {
			t.Errorf("access token %q still live after family revocation", safeTruncate(id, 8))
		}
	}
}

func TestRedeemRevokedFamilyReuse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.newFamily(t, []string{"read"})
	familyID := env.mustGetRefresh(t, first.RefreshToken).FamilyID

	if err := env.engine.RevokeFamily(ctx, familyID, "logout"); err != nil {
		t.Fatalf("RevokeFamily() error: %v", err)
	}

	_, err := env.engine.Redeem(ctx, first.RefreshToken, env.client, nil)
	wantKind(t, err, KindInvalidGrant)
}

func TestRedeemExpiry(t *testing.T) {
	config := &Config{
		RefreshTokenTTL: time.Minute,
	}

	t.Run("inside clock skew grace", func(t *testing.T) {
		env := newTestEnv(t, config)
		first := env.newFamily(t, []string{"read"})
		env.clock.Advance(time.Minute + 2*time.Second)
		if _, err := env.engine.Redeem(context.Background(), first.RefreshToken, env.client, nil); err != nil {
			t.Errorf("Redeem() inside skew grace error: %v", err)
		}
	})

	t.Run("past grace", func(t *testing.T) {
		env := newTestEnv(t, config)
		first := env.newFamily(t, []string{"read"})
		env.clock.Advance(time.Minute + 10*time.Second)
		_, err := env.engine.Redeem(context.Background(), first.RefreshToken, env.client, nil)
		wantKind(t, err, KindInvalidGrant)

		// Expiry rejection leaves the record untouched.
		if state := env.mustGetRefresh(t, first.RefreshToken).State; state != storage.StateActive {
			t.Errorf("expired token state = %q, want %q", state, storage.StateActive)
		}
	})
}

func TestRedeemClientBinding(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.newFamily(t, []string{"read"})

	other := testutil.NewConfidentialClient(t, "other-app", "other-secret",
		[]string{GrantTypeRefreshToken}, testScopes)
	if err := env.store.SaveClient(ctx, other); err != nil {
		t.Fatalf("SaveClient() error: %v", err)
	}

	// Same uniform rejection as an unknown token; nothing reveals that the
	// token exists or belongs to someone else.
	_, err := env.engine.Redeem(ctx, first.RefreshToken, other, nil)
	ge := wantKind(t, err, KindInvalidGrant)
	if want := "refresh token is invalid or expired"; ge.Description != want {
		t.Errorf("Description = %q, want %q", ge.Description, want)
	}

	// The mismatch must not consume the token for its rightful holder.
	if state := env.mustGetRefresh(t, first.RefreshToken).State; state != storage.StateActive {
		t.Fatalf("token state after mismatch = %q, want %q", state, storage.StateActive)
	}
	if _, err := env.engine.Redeem(ctx, first.RefreshToken, env.client, nil); err != nil {
		t.Errorf("rightful holder Redeem() error: %v", err)
	}
}

func TestRedeemWithoutRotation(t *testing.T) {
	run := func(t *testing.T, env *testEnv) {
		t.Helper()
		ctx := context.Background()
		first := env.newFamily(t, []string{"read"})

		resp, err := env.engine.Redeem(ctx, first.RefreshToken, env.client, nil)
		if err != nil {
			t.Fatalf("Redeem() error: %v", err)
		}
		if resp.RefreshToken != "" {
			t.Errorf("RefreshToken = %q, want none without rotation", resp.RefreshToken)
		}
		if resp.AccessToken == "" {
			t.Error("no access token issued")
		}

		// One use per token: the consumed record is not re-armed.
		if state := env.mustGetRefresh(t, first.RefreshToken).State; state != storage.StateUsed {
			t.Errorf("token state = %q, want %q", state, storage.StateUsed)
		}
		_, err = env.engine.Redeem(ctx, first.RefreshToken, env.client, nil)
		wantKind(t, err, KindInvalidGrant)
	}

	t.Run("disabled per client", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.client.DisableRefreshTokenRotation = true
		if err := env.store.SaveClient(context.Background(), env.client); err != nil {
			t.Fatalf("SaveClient() error: %v", err)
		}
		run(t, env)
	})

	t.Run("disabled globally", func(t *testing.T) {
		run(t, newTestEnv(t, &Config{DisableRefreshTokenRotation: true}))
	})
}
