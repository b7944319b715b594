package panel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUserStoreDefaults(t *testing.T) {
	store, err := NewUserStore(t.TempDir(), "admin")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	me := store.Me()
	if me.Username != "admin" || me.Onboarded || me.OnboardedAt != nil {
		t.Fatalf("unexpected default user: %+v", me)
	}
}

func TestOnboardingPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewUserStore(dir, "admin")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	me, err := store.CompleteOnboarding()
	if err != nil {
		t.Fatalf("complete onboarding: %v", err)
	}
	if !me.Onboarded || me.OnboardedAt == nil {
		t.Fatalf("onboarding did not apply: %+v", me)
	}
	first := *me.OnboardedAt

	// Completing twice keeps the original timestamp.
	me, err = store.CompleteOnboarding()
	if err != nil {
		t.Fatalf("second onboarding: %v", err)
	}
	if !me.OnboardedAt.Equal(first) {
		t.Fatalf("timestamp changed on repeat: %s vs %s", me.OnboardedAt, first)
	}

	reloaded, err := NewUserStore(dir, "admin")
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	me = reloaded.Me()
	if !me.Onboarded || me.OnboardedAt == nil || !me.OnboardedAt.Equal(first) {
		t.Fatalf("persisted state lost: %+v", me)
	}
}

func TestCorruptMarkerDegradesToDefault(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "user.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	store, err := NewUserStore(dir, "admin")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.Me().Onboarded {
		t.Fatal("corrupt marker should reset to un-onboarded")
	}
}
