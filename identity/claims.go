package identity

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of the federated identity token this engine relies
// on, generalized from a GitHub Actions OIDC token but not specific to it:
// any OIDC-compliant provider presenting these claims is accepted once its
// issuer is configured as trusted.
type Claims struct {
	jwt.RegisteredClaims

	Repository           string          `json:"repository"`
	RepositoryID         flexString      `json:"repository_id"`
	RepositoryVisibility string          `json:"repository_visibility"`
	EventName            string          `json:"event_name"`
	Ref                  string          `json:"ref"`
	WorkflowRef          string          `json:"workflow_ref"`
	RunID                json.RawMessage `json:"run_id,omitempty"`
}

// flexString accepts both a JSON string and a JSON number, matching
// providers that encode repository_id inconsistently.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	return fmt.Errorf("identity: repository_id is neither a string nor a number")
}
