package config

import (
	"os"
	"strings"

	"socialpilot/internal/automation"
)

// PostConfig returns the seed's post config with the user id filled in.
func (u UserSeed) PostConfig() (automation.AutoPostConfig, bool) {
	if u.Post == nil {
		return automation.AutoPostConfig{}, false
	}
	c := *u.Post
	c.UserID = strings.TrimSpace(u.ID)
	return c, true
}

// ReplyConfig returns the seed's reply config with the user id filled in.
func (u UserSeed) ReplyConfig() (automation.AutoReplyConfig, bool) {
	if u.Reply == nil {
		return automation.AutoReplyConfig{}, false
	}
	c := *u.Reply
	c.UserID = strings.TrimSpace(u.ID)
	return c, true
}

// Creds resolves "$NAME" references against the environment.
func (u UserSeed) Creds() automation.Credentials {
	return automation.Credentials{
		UserID:      strings.TrimSpace(u.ID),
		Username:    expandRef(u.Credentials.Username),
		AccessToken: expandRef(u.Credentials.AccessToken),
	}
}

func expandRef(v string) string {
	v = strings.TrimSpace(v)
	if name, ok := strings.CutPrefix(v, "$"); ok && name != "" {
		return os.Getenv(strings.Trim(name, "{}"))
	}
	return v
}

// EnvOr returns v, or the value of the environment variable env when v is empty.
func EnvOr(v, env string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return strings.TrimSpace(os.Getenv(env))
}
