package verifier

// DecodedToken is the fully-verified result of Verify: the verified
// claims plus the provider that was bound to this token by the
// claim-to-provider check.
type DecodedToken struct {
	Claims     Claims
	ProviderID string
	Audience   string
	Issuer     string
	Subject    string
}
