package restapi

import (
	log "log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	jwtverifier "github.com/okta/okta-jwt-verifier-golang"
)

// Environments with relaxed token checks.
const (
	EnvDev = "DEV"
	EnvQA  = "QA"
)

// TokenVerifier checks the bearer token of each request.
type TokenVerifier struct {
	// Env is DEV (no check at all), QA (QAToken accepted as is) or anything else.
	Env     string
	QAToken string
	// OktaDomain and ClientID configure the Okta access token verification.
	OktaDomain string
	ClientID   string

	// verify replaces the Okta check in tests.
	verify func(token string) error
}

// TokenVerifierFromEnv reads TREELOCK_ENV, TREELOCK_QA_TOKEN, OKTA_DOMAIN and OKTA_CLIENT_ID.
func TokenVerifierFromEnv() *TokenVerifier {
	return &TokenVerifier{
		Env:        os.Getenv("TREELOCK_ENV"),
		QAToken:    os.Getenv("TREELOCK_QA_TOKEN"),
		OktaDomain: os.Getenv("OKTA_DOMAIN"),
		ClientID:   os.Getenv("OKTA_CLIENT_ID"),
	}
}

func (v *TokenVerifier) verifyOkta(token string) error {
	if v.verify != nil {
		return v.verify(token)
	}
	verifierSetup := jwtverifier.JwtVerifier{
		Issuer: "https://" + v.OktaDomain + "/oauth2/default",
		ClaimsToValidate: map[string]string{
			"aud": "api://default",
			"cid": v.ClientID,
		},
	}
	_, err := verifierSetup.New().VerifyAccessToken(token)
	return err
}

// Middleware aborts requests without a valid bearer token.
func (v *TokenVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v.Env == EnvDev {
			c.Next()
			return
		}
		token := c.Request.Header.Get("Authorization")
		if !strings.HasPrefix(token, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")

		if v.Env == EnvQA && v.QAToken != "" && token == v.QAToken {
			c.Next()
			return
		}
		if err := v.verifyOkta(token); err != nil {
			log.Warn("access token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": err.Error()})
			return
		}
		c.Next()
	}
}
