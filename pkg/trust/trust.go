// Package trust evaluates whether an mdoc issuer or reader certificate chain
// is authorized to act in a given role.
//
// ISO/IEC 18013-5 binds trust to X.509: the issuer signs the MSO under a
// Document Signer certificate chaining to an IACA root, and a reader
// authenticates item requests under its own certificate. There is no DID or
// JWK resolution step in this flow — the key is already present in the
// x5chain header, so the only question is whether the chain is authorized.
//
// TrustEvaluator abstracts that question so the verifier can be pointed at a
// local trust list, a go-trust AuthZEN policy decision point, or a composite
// of both without changing the verification pipeline itself.
package trust

import (
	"context"
	"crypto/x509"
	"encoding/base64"
)

// TrustDecision is the result of evaluating a certificate chain against a
// trust source.
type TrustDecision struct {
	// Trusted indicates whether the chain is authorized for the requested role.
	Trusted bool

	// Reason explains the decision, for diagnostics.
	Reason string

	// TrustFramework identifies which trust source produced the decision
	// (e.g. "local", "eudi-authzen").
	TrustFramework string

	// Metadata carries source-specific detail (e.g. a resolved trust list entry).
	Metadata any
}

// KeyType indicates the format of the key material backing an evaluation
// request. mdoc only ever presents X.509 chains, but the interface leaves
// room for a verifier embedding this package alongside other credential
// formats to route JWK-backed requests through the same evaluator chain.
type KeyType string

// KeyTypeX5C indicates an X.509 certificate chain (the mdoc case).
const KeyTypeX5C KeyType = "x5c"

// Role represents the expected role of the certificate holder.
type Role string

const (
	// RoleIssuer indicates the chain should be authorized to sign an MSO.
	RoleIssuer Role = "issuer"
	// RoleReader indicates the chain should be authorized as an mdoc reader.
	RoleReader Role = "reader"
	// RoleAny indicates no specific role constraint.
	RoleAny Role = ""
)

// EvaluationRequest carries the parameters of a single trust evaluation.
type EvaluationRequest struct {
	// SubjectID is the expected certificate subject (issuer ID, reader ID), optional.
	SubjectID string

	// KeyType indicates the format of Key. Always KeyTypeX5C for mdoc.
	KeyType KeyType

	// Key is the certificate chain to validate: []*x509.Certificate or X5CCertChain.
	Key any

	// Role is the expected role, used for policy routing by remote evaluators.
	Role Role

	// DocType is the ISO mDOC document type the chain is presented for.
	DocType string

	// Options carries additional evaluation options.
	Options *TrustOptions
}

// TrustOptions carries evaluator-agnostic hints. Local evaluation ignores
// these; a remote evaluator may translate them into PDP context parameters.
type TrustOptions struct {
	// IncludeTrustChain requests the resolved trust chain in the response metadata.
	IncludeTrustChain bool

	// BypassCache requests that a caching evaluator skip its cache.
	BypassCache bool
}

// GetEffectiveAction returns the policy action name for remote evaluators:
// the role if set, otherwise empty (no role constraint).
func (r *EvaluationRequest) GetEffectiveAction() string {
	return string(r.Role)
}

// TrustEvaluator decides whether a certificate chain is authorized for a role.
type TrustEvaluator interface {
	// Evaluate checks whether Key is trusted for SubjectID/Role/DocType.
	Evaluate(ctx context.Context, req *EvaluationRequest) (*TrustDecision, error)

	// SupportsKeyType reports whether this evaluator can handle kt.
	SupportsKeyType(kt KeyType) bool
}

// X5CCertChain is a certificate chain as carried in a COSE x5chain header,
// leaf certificate first.
type X5CCertChain []*x509.Certificate

// GetLeafCert returns the end-entity certificate, or nil if the chain is empty.
func (c X5CCertChain) GetLeafCert() *x509.Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

// GetRootCert returns the trust-anchor certificate, or nil if the chain is empty.
func (c X5CCertChain) GetRootCert() *x509.Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// GetSubjectID extracts an identifier from the leaf certificate: the Subject
// CN, falling back to the first SAN URI or DNS name.
func (c X5CCertChain) GetSubjectID() string {
	leaf := c.GetLeafCert()
	if leaf == nil {
		return ""
	}

	if leaf.Subject.CommonName != "" {
		return leaf.Subject.CommonName
	}

	for _, uri := range leaf.URIs {
		return uri.String()
	}

	if len(leaf.DNSNames) > 0 {
		return leaf.DNSNames[0]
	}

	return ""
}

// ToBase64Strings encodes each certificate's DER bytes, the form x5chain
// headers and AuthZEN resource keys both expect.
func (c X5CCertChain) ToBase64Strings() []string {
	result := make([]string, len(c))
	for i, cert := range c {
		result[i] = base64.StdEncoding.EncodeToString(cert.Raw)
	}
	return result
}
