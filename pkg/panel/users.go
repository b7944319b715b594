package panel

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// User is the panel's single administrative identity.
type User struct {
	Username    string     `json:"username"`
	Onboarded   bool       `json:"onboarded"`
	OnboardedAt *time.Time `json:"onboarded_at,omitempty"`
}

// UserStore persists the onboarding state in the panel's state directory.
// The panel is single-user; the state is a small JSON marker file.
type UserStore struct {
	mu   sync.Mutex
	path string
	user User
}

// NewUserStore loads (or initializes) the user state under stateDir.
func NewUserStore(stateDir, username string) (*UserStore, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	s := &UserStore{
		path: filepath.Join(stateDir, "user.json"),
		user: User{Username: username},
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var stored User
	if err := json.Unmarshal(data, &stored); err != nil {
		// A corrupt marker degrades to the un-onboarded default.
		return s, nil
	}
	s.user.Onboarded = stored.Onboarded
	s.user.OnboardedAt = stored.OnboardedAt
	return s, nil
}

// Me returns the current user.
func (s *UserStore) Me() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// CompleteOnboarding marks the setup flow finished and persists the marker.
func (s *UserStore) CompleteOnboarding() (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.user.Onboarded {
		now := time.Now().UTC()
		s.user.Onboarded = true
		s.user.OnboardedAt = &now
	}
	data, err := json.MarshalIndent(s.user, "", "  ")
	if err != nil {
		return s.user, err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return s.user, err
	}
	return s.user, nil
}
