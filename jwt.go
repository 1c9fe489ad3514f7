package taskdeck

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type Identity struct {
	UserId   int64
	Username string
}

// the access token is issued and verified by the server.
// the client only reads the claims to know who it is acting as.
func ParseIdentityJwtUnverified(byJwt string) (*Identity, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	identity := &Identity{}

	if userId, ok := claims["user_id"]; ok {
		switch v := userId.(type) {
		case float64:
			identity.UserId = int64(v)
		case int64:
			identity.UserId = v
		default:
			return nil, fmt.Errorf("unexpected user_id claim type %T", userId)
		}
	} else {
		return nil, fmt.Errorf("missing user_id claim")
	}
	if username, ok := claims["username"]; ok {
		if v, ok := username.(string); ok {
			identity.Username = v
		}
	}

	return identity, nil
}
