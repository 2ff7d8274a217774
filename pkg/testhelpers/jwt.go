package testhelpers

import (
	"encoding/base64"
	"fmt"
	"time"
)

// GenerateTestClaim creates an unsigned federated-claim token (alg:
// none) for use when verification is disabled. The role claim carries
// the capability tier; expiry is one hour out, as the dev-mode parser
// still enforces exp.
func GenerateTestClaim(sub, role, name string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	exp := time.Now().Add(time.Hour).Unix()
	payload := fmt.Sprintf(`{"sub":"%s","role":"%s","exp":%d`, sub, role, exp)
	if name != "" {
		payload += fmt.Sprintf(`,"name":"%s"`, name)
	}
	payload += "}"

	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return fmt.Sprintf("%s.%s.", header, encodedPayload)
}

// GenerateTestClaimWithBearer returns the token with a "Bearer " prefix
// for the Authorization header.
func GenerateTestClaimWithBearer(sub, role, name string) string {
	return "Bearer " + GenerateTestClaim(sub, role, name)
}
