package notify

import "testing"

func TestTokenAuthenticator_AuthenticateKnownToken(t *testing.T) {
	a := NewTokenAuthenticator()
	a.SetTokens(map[string]string{"tok-a": "tenant-a", "tok-b": "tenant-b"})

	id, ok := a.Authenticate("tok-a")
	if !ok || id != "tenant-a" {
		t.Fatalf("expected tenant-a, got id=%q ok=%v", id, ok)
	}
}

func TestTokenAuthenticator_RejectsUnknownToken(t *testing.T) {
	a := NewTokenAuthenticator()
	a.SetTokens(map[string]string{"tok-a": "tenant-a"})

	_, ok := a.Authenticate("tok-does-not-exist")
	if ok {
		t.Fatal("expected unknown token to be rejected")
	}
}

func TestTokenAuthenticator_SetTokens_ReplacesWholeMap(t *testing.T) {
	a := NewTokenAuthenticator()
	a.SetTokens(map[string]string{"tok-a": "tenant-a"})
	a.SetTokens(map[string]string{"tok-b": "tenant-b"})

	if _, ok := a.Authenticate("tok-a"); ok {
		t.Fatal("expected stale token to be gone after SetTokens replaced the map")
	}
	id, ok := a.Authenticate("tok-b")
	if !ok || id != "tenant-b" {
		t.Fatalf("expected tenant-b, got id=%q ok=%v", id, ok)
	}
}

func TestTokenAuthenticator_EmptyByDefault(t *testing.T) {
	a := NewTokenAuthenticator()
	if _, ok := a.Authenticate("anything"); ok {
		t.Fatal("expected no tokens to be known before SetTokens is called")
	}
}
