//go:build vc20
// +build vc20

// This file is only compiled with the vc20 build tag: it pulls in the
// go-trust AuthZEN client so a verifier can check issuer chains against a
// federated policy decision point instead of (or in addition to) a static
// local trust list. Default builds use LocalTrustEvaluator.
package trust

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/sirosfoundation/go-trust/pkg/authzen"
	"github.com/sirosfoundation/go-trust/pkg/authzenclient"
)

// GoTrustEvaluator implements TrustEvaluator by asking a go-trust AuthZEN
// policy decision point whether an x5c chain is authorized for a role.
type GoTrustEvaluator struct {
	client *authzenclient.Client
}

// NewGoTrustEvaluator creates a trust evaluator using go-trust with a known PDP URL.
func NewGoTrustEvaluator(pdpURL string) *GoTrustEvaluator {
	client := authzenclient.New(pdpURL)
	return &GoTrustEvaluator{client: client}
}

// NewGoTrustEvaluatorWithDiscovery creates a trust evaluator using AuthZEN discovery.
func NewGoTrustEvaluatorWithDiscovery(ctx context.Context, baseURL string) (*GoTrustEvaluator, error) {
	client, err := authzenclient.Discover(ctx, baseURL)
	if err != nil {
		return nil, fmt.Errorf("authzen discovery failed: %w", err)
	}
	return &GoTrustEvaluator{client: client}, nil
}

// NewGoTrustEvaluatorWithClient creates a trust evaluator with a pre-configured client.
func NewGoTrustEvaluatorWithClient(client *authzenclient.Client) *GoTrustEvaluator {
	return &GoTrustEvaluator{client: client}
}

// Evaluate implements TrustEvaluator.
func (e *GoTrustEvaluator) Evaluate(ctx context.Context, req *EvaluationRequest) (*TrustDecision, error) {
	if req == nil {
		return nil, fmt.Errorf("evaluation request is nil")
	}
	if req.KeyType != KeyTypeX5C {
		return nil, fmt.Errorf("unsupported key type: %s", req.KeyType)
	}

	authzenReq, err := e.buildX5CRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build evaluation request: %w", err)
	}

	resp, err := e.client.Evaluate(ctx, authzenReq)
	if err != nil {
		return nil, fmt.Errorf("trust evaluation failed: %w", err)
	}

	decision := &TrustDecision{
		Trusted: resp.Decision,
	}

	if resp.Context != nil {
		if resp.Context.Reason != nil {
			if userReason, ok := resp.Context.Reason["user"].(string); ok {
				decision.Reason = userReason
			} else if adminReason, ok := resp.Context.Reason["admin"].(string); ok {
				decision.Reason = adminReason
			}
		}
		decision.Metadata = resp.Context.TrustMetadata

		if meta, ok := resp.Context.TrustMetadata.(map[string]any); ok {
			if tf, ok := meta["trust_framework"].(string); ok {
				decision.TrustFramework = tf
			}
		}
	}

	return decision, nil
}

// SupportsKeyType implements TrustEvaluator.
func (e *GoTrustEvaluator) SupportsKeyType(kt KeyType) bool {
	return kt == KeyTypeX5C
}

// buildX5CRequest builds an AuthZEN request for the issuer's x5chain.
func (e *GoTrustEvaluator) buildX5CRequest(req *EvaluationRequest) (*authzen.EvaluationRequest, error) {
	var certStrings []string

	switch k := req.Key.(type) {
	case []*x509.Certificate:
		chain := X5CCertChain(k)
		certStrings = chain.ToBase64Strings()
	case X5CCertChain:
		certStrings = k.ToBase64Strings()
	case []string:
		certStrings = k
	default:
		return nil, fmt.Errorf("invalid key type for x5c: %T", req.Key)
	}

	keys := make([]interface{}, len(certStrings))
	for i, cert := range certStrings {
		keys[i] = cert
	}

	authzenReq := &authzen.EvaluationRequest{
		Subject: authzen.Subject{
			Type: "key",
			ID:   req.SubjectID,
		},
		Resource: authzen.Resource{
			Type: "x5c",
			ID:   req.SubjectID,
			Key:  keys,
		},
	}

	if action := req.GetEffectiveAction(); action != "" {
		authzenReq.Action = &authzen.Action{Name: action}
	}

	e.addContextOptions(authzenReq, req.Options)

	return authzenReq, nil
}

// addContextOptions translates TrustOptions into go-trust context parameters.
func (e *GoTrustEvaluator) addContextOptions(req *authzen.EvaluationRequest, opts *TrustOptions) {
	if opts == nil {
		return
	}

	if req.Context == nil {
		req.Context = make(map[string]interface{})
	}

	if opts.IncludeTrustChain {
		req.Context["include_trust_chain"] = true
	}
	if opts.BypassCache {
		req.Context["cache_control"] = "no-cache"
	}
}

// GetClient returns the underlying AuthZEN client for advanced usage.
func (e *GoTrustEvaluator) GetClient() *authzenclient.Client {
	return e.client
}

// Verify interface compliance
var _ TrustEvaluator = (*GoTrustEvaluator)(nil)
