package identity

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	config "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Config"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	api_models "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models/api"
)

// JWTVerifier checks HS256 access tokens signed by the identity provider
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. Issuer and audience are only enforced when set.
func NewJWTVerifier(cfg config.IdentityConfig) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWTAudience))
	}
	return &JWTVerifier{
		secret: []byte(cfg.JWTSecretKey),
		parser: jwt.NewParser(opts...),
	}
}

// Verify validates the token and returns the identity named by its subject
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (mqtmodels.Identity, error) {
	claims := &api_models.IdentityClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return mqtmodels.Identity{}, apperr.Wrap(apperr.KindUnauthenticated, "invalid or expired token", err)
	}
	if !token.Valid || claims.Subject == "" {
		return mqtmodels.Identity{}, apperr.New(apperr.KindUnauthenticated, "invalid or expired token")
	}

	return mqtmodels.Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}
