package auth

import "strings"

// Principal is the verified identity attached to a transport connection.
// A nil *Principal means the connection is anonymous.
type Principal struct {
	UserID   string
	Username string
	Role     string
}

// Verifier turns bearer tokens into principals.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

func (v *Verifier) Verify(token string) (*Principal, error) {
	claims, err := ValidateToken(v.secret, token)
	if err != nil {
		return nil, err
	}
	return claims.Principal(), nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}
