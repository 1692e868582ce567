package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/chatxp/backend/db"
	"github.com/onnwee/chatxp/backend/testutil"
)

func TestRefresherSkipsFreshToken(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()
	if err := db.UpsertOAuthToken(ctx, dbc, "test-provider", "access123", "refresh456",
		time.Now().Add(time.Hour), "", "scope1"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	refreshed := make(chan struct{}, 1)
	rctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	StartRefresher(rctx, dbc, "test-provider", 50*time.Millisecond, 30*time.Minute,
		func(context.Context, string) (string, string, time.Time, string, error) {
			select {
			case refreshed <- struct{}{}:
			default:
			}
			return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
		})
	<-rctx.Done()

	select {
	case <-refreshed:
		t.Fatal("token expiring in 1h must not refresh with a 30m window")
	default:
	}
}

func TestRefresherRefreshesWithinWindow(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()
	if err := db.UpsertOAuthToken(ctx, dbc, "test-provider", "old-access", "old-refresh",
		time.Now().Add(5*time.Minute), "", "scope1"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	refreshed := make(chan string, 1)
	newExpiry := time.Now().Add(2 * time.Hour)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	StartRefresher(rctx, dbc, "test-provider", 40*time.Millisecond, 15*time.Minute,
		func(_ context.Context, rt string) (string, string, time.Time, string, error) {
			select {
			case refreshed <- rt:
			default:
			}
			return "new-access", "new-refresh", newExpiry, "scope2", nil
		})

	select {
	case rt := <-refreshed:
		if rt != "old-refresh" {
			t.Fatalf("refresh called with %q, want old-refresh", rt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("refresh never attempted")
	}

	// The write happens after the callback returns; poll for it.
	deadline := time.Now().Add(3 * time.Second)
	for {
		access, refresh, _, scope, err := db.GetOAuthToken(ctx, dbc, "test-provider")
		if err != nil {
			t.Fatalf("get token: %v", err)
		}
		if access == "new-access" {
			if refresh != "new-refresh" || scope != "scope2" {
				t.Fatalf("got refresh=%q scope=%q after update", refresh, scope)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("token never persisted, access=%q", access)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRefresherKeepsRowOnError(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()
	if err := db.UpsertOAuthToken(ctx, dbc, "test-provider", "old-access", "old-refresh",
		time.Now().Add(5*time.Minute), "", "scope1"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	rctx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	StartRefresher(rctx, dbc, "test-provider", 40*time.Millisecond, 15*time.Minute,
		func(context.Context, string) (string, string, time.Time, string, error) {
			return "", "", time.Time{}, "", errors.New("refresh failed")
		})
	<-rctx.Done()

	access, _, _, _, err := db.GetOAuthToken(ctx, dbc, "test-provider")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if access != "old-access" {
		t.Fatalf("token changed on error, access=%q", access)
	}
}

func TestRefresherPreservesRefreshTokenAndScope(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()
	if err := db.UpsertOAuthToken(ctx, dbc, "test-provider", "old-access", "original-refresh",
		time.Now().Add(5*time.Minute), "", "scope1"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Empty refresh token and scope from the provider keep the stored values.
	StartRefresher(rctx, dbc, "test-provider", 40*time.Millisecond, 15*time.Minute,
		func(context.Context, string) (string, string, time.Time, string, error) {
			return "new-access", "", time.Now().Add(2 * time.Hour), "", nil
		})

	deadline := time.Now().Add(3 * time.Second)
	for {
		access, refresh, _, scope, err := db.GetOAuthToken(ctx, dbc, "test-provider")
		if err != nil {
			t.Fatalf("get token: %v", err)
		}
		if access == "new-access" {
			if refresh != "original-refresh" || scope != "scope1" {
				t.Fatalf("refresh=%q scope=%q, want originals preserved", refresh, scope)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("token never refreshed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRefresherStopsOnCancel(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, dbc, "test-provider", time.Second, 15*time.Minute,
		func(context.Context, string) (string, string, time.Time, string, error) {
			return "access", "refresh", time.Now().Add(time.Hour), "scope", nil
		})
	cancel()
	time.Sleep(50 * time.Millisecond)
}
