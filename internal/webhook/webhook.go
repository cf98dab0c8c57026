// Package webhook verifies inbound source-control push webhooks: an
// HMAC-SHA256 signature over the raw request body, compared in constant
// time against the service's stored (envelope-encrypted) secret, plus a
// branch match against the service the push targets.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"renderlite/internal/apierr"
	"renderlite/internal/secretenv"
)

// SignatureHeader is the conventional header name carrying the
// "sha256=<hex>" HMAC digest of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

// Push is the minimal set of fields this package needs out of a decoded
// push payload; the ingress layer is responsible for picking these fields
// out of whatever provider-specific JSON shape arrives.
type Push struct {
	Branch string
	Ref    string
}

// Verify checks that signatureHeader is a valid HMAC-SHA256 signature of
// body under the service's decrypted webhook secret. The secret must
// already be decrypted (via secretenv.Sealer.Open) by the caller.
func Verify(body []byte, signatureHeader, secret string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return apierr.Validation("missing or malformed webhook signature", nil)
	}
	provided := strings.TrimPrefix(signatureHeader, prefix)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !secretenv.ConstantTimeEqual(provided, expected) {
		return apierr.Validation("webhook signature mismatch", nil)
	}
	return nil
}

// MatchesBranch reports whether a push targets the given branch. refs
// arrive as "refs/heads/<branch>"; a bare branch name is also accepted for
// providers that send one.
func MatchesBranch(push Push, branch string) bool {
	ref := push.Ref
	if ref == "" {
		ref = push.Branch
	}
	ref = strings.TrimPrefix(ref, "refs/heads/")
	return ref == branch
}

// BranchFromRef extracts the branch name from a "refs/heads/<branch>" ref,
// returning it unchanged if it doesn't carry that prefix.
func BranchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// DescribeMismatch is a small helper for logging/diagnostics when a webhook
// is rejected for targeting the wrong branch.
func DescribeMismatch(push Push, branch string) string {
	return fmt.Sprintf("push targets %q, service tracks %q", BranchFromRef(push.Ref), branch)
}
