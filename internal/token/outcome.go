package token

// Status tags a verification outcome.
type Status int

const (
	StatusValid Status = iota
	StatusExpired
	StatusForbidden
	StatusMalformed
	StatusUntrustedIssuer
	StatusUntrustedAudience
	StatusSignatureMismatch
	StatusRenewed
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusExpired:
		return "EXPIRED"
	case StatusForbidden:
		return "FORBIDDEN"
	case StatusMalformed:
		return "MALFORMED"
	case StatusUntrustedIssuer:
		return "UNTRUSTED_ISSUER"
	case StatusUntrustedAudience:
		return "UNTRUSTED_AUDIENCE"
	case StatusSignatureMismatch:
		return "SIGNATURE_MISMATCH"
	case StatusRenewed:
		return "RENEWED"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the tagged result of verifying a token. Exactly one tag applies;
// the auxiliary fields are populated per tag:
//
//	Valid              Token set
//	Expired            View set when the claims were still readable
//	Forbidden          MissingPermission set
//	Malformed          Reason set
//	Renewed            Token (old) and NewRaw set
type Outcome struct {
	Status            Status
	Token             *Token
	View              *View
	MissingPermission string
	Reason            string
	NewRaw            string
}

// Valid reports whether the request may proceed on this outcome.
func (o Outcome) Valid() bool {
	return o.Status == StatusValid || o.Status == StatusRenewed
}

func valid(t *Token) Outcome {
	return Outcome{Status: StatusValid, Token: t}
}

func expired(v *View) Outcome {
	return Outcome{Status: StatusExpired, View: v}
}

func forbidden(t *Token, missing string) Outcome {
	return Outcome{Status: StatusForbidden, Token: t, MissingPermission: missing}
}

func malformed(reason string) Outcome {
	return Outcome{Status: StatusMalformed, Reason: reason}
}
