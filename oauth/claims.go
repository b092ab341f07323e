package oauth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmcleod/gatehouse/session"
)

// principalFromClaims maps userinfo or ID token claims onto a Principal.
// Both OIDC names (sub, picture, preferred_username) and GitHub names
// (id, avatar_url, login) are recognised. All claims are kept as
// attributes.
func principalFromClaims(claims map[string]any, subjectPrefix string) (*session.Principal, error) {
	subject := firstString(claims, "sub", "id")
	if subject == "" {
		return nil, errors.New("identity has no subject")
	}
	p := &session.Principal{
		Subject:    subjectPrefix + subject,
		Name:       firstString(claims, "name", "preferred_username", "login"),
		Email:      firstString(claims, "email"),
		AvatarURL:  firstString(claims, "picture", "avatar_url"),
		Attributes: claims,
	}
	p.Normalize()
	return p, nil
}

func firstString(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
