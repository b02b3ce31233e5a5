package trust

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func TestTrustCache_BasicOperations(t *testing.T) {
	cache := NewTrustCache(TrustCacheConfig{
		TTL: 1 * time.Minute,
	})
	defer cache.Stop()

	req := &EvaluationRequest{
		SubjectID: "org.iso.18013.5.1-mDL-issuer",
		KeyType:   KeyTypeX5C,
		Role:      RoleIssuer,
	}

	decision := &TrustDecision{
		Trusted:        true,
		Reason:         "Test decision",
		TrustFramework: "test",
	}

	// Initially empty
	if got := cache.Get(req); got != nil {
		t.Error("expected nil from empty cache")
	}

	// Set and get
	cache.Set(req, decision)

	got := cache.Get(req)
	if got == nil {
		t.Fatal("expected cached decision")
	}
	if !got.Trusted {
		t.Error("expected Trusted=true")
	}
	if got.Reason != "Test decision" {
		t.Errorf("expected reason 'Test decision', got %s", got.Reason)
	}

	// Invalidate
	cache.Invalidate(req)
	if got := cache.Get(req); got != nil {
		t.Error("expected nil after invalidation")
	}
}

func TestTrustCache_DifferentRequests(t *testing.T) {
	cache := NewTrustCache(TrustCacheConfig{})
	defer cache.Stop()

	req1 := &EvaluationRequest{
		SubjectID: "issuer1",
		KeyType:   KeyTypeX5C,
		Role:      RoleIssuer,
	}
	req2 := &EvaluationRequest{
		SubjectID: "issuer2",
		KeyType:   KeyTypeX5C,
		Role:      RoleIssuer,
	}

	decision1 := &TrustDecision{Trusted: true, Reason: "issuer1"}
	decision2 := &TrustDecision{Trusted: false, Reason: "issuer2"}

	cache.Set(req1, decision1)
	cache.Set(req2, decision2)

	got1 := cache.Get(req1)
	got2 := cache.Get(req2)

	if got1 == nil || got1.Reason != "issuer1" {
		t.Error("req1 cache miss or wrong value")
	}
	if got2 == nil || got2.Reason != "issuer2" {
		t.Error("req2 cache miss or wrong value")
	}
}

func TestTrustCache_DocTypeDistinction(t *testing.T) {
	cache := NewTrustCache(TrustCacheConfig{})
	defer cache.Stop()

	reqMDL := &EvaluationRequest{
		SubjectID: "issuer.example.com",
		KeyType:   KeyTypeX5C,
		Role:      RoleIssuer,
		DocType:   "org.iso.18013.5.1.mDL",
	}
	reqOther := &EvaluationRequest{
		SubjectID: "issuer.example.com",
		KeyType:   KeyTypeX5C,
		Role:      RoleIssuer,
		DocType:   "org.iso.23220.photoid.1",
	}

	decisionMDL := &TrustDecision{Trusted: true, Reason: "mdl"}
	decisionOther := &TrustDecision{Trusted: true, Reason: "other"}

	cache.Set(reqMDL, decisionMDL)
	cache.Set(reqOther, decisionOther)

	if got := cache.Get(reqMDL); got == nil || got.Reason != "mdl" {
		t.Error("mDL cache entry wrong")
	}
	if got := cache.Get(reqOther); got == nil || got.Reason != "other" {
		t.Error("other docType cache entry wrong")
	}
}

func TestTrustCache_RoleDistinction(t *testing.T) {
	cache := NewTrustCache(TrustCacheConfig{})
	defer cache.Stop()

	reqIssuer := &EvaluationRequest{
		SubjectID: "example.com",
		KeyType:   KeyTypeX5C,
		Role:      RoleIssuer,
	}
	reqReader := &EvaluationRequest{
		SubjectID: "example.com",
		KeyType:   KeyTypeX5C,
		Role:      RoleReader,
	}

	decisionIssuer := &TrustDecision{Trusted: true, Reason: "issuer"}
	decisionReader := &TrustDecision{Trusted: false, Reason: "reader"}

	cache.Set(reqIssuer, decisionIssuer)
	cache.Set(reqReader, decisionReader)

	if got := cache.Get(reqIssuer); got == nil || got.Reason != "issuer" {
		t.Error("issuer cache entry wrong")
	}
	if got := cache.Get(reqReader); got == nil || got.Reason != "reader" {
		t.Error("reader cache entry wrong")
	}
}

func TestTrustCache_KeyFingerprintX5C(t *testing.T) {
	cache := NewTrustCache(TrustCacheConfig{})
	defer cache.Stop()

	// Create two different certificates
	cert1 := createTestCert(t, "CN=Test1")
	cert2 := createTestCert(t, "CN=Test2")

	req1 := &EvaluationRequest{
		SubjectID: "issuer.example.com",
		KeyType:   KeyTypeX5C,
		Key:       []*x509.Certificate{cert1},
		Role:      RoleIssuer,
	}
	req2 := &EvaluationRequest{
		SubjectID: "issuer.example.com",
		KeyType:   KeyTypeX5C,
		Key:       []*x509.Certificate{cert2},
		Role:      RoleIssuer,
	}

	decision1 := &TrustDecision{Trusted: true, Reason: "cert1"}
	decision2 := &TrustDecision{Trusted: true, Reason: "cert2"}

	cache.Set(req1, decision1)
	cache.Set(req2, decision2)

	// Different certs should have different cache entries
	if got := cache.Get(req1); got == nil || got.Reason != "cert1" {
		t.Error("cert1 cache entry wrong")
	}
	if got := cache.Get(req2); got == nil || got.Reason != "cert2" {
		t.Error("cert2 cache entry wrong")
	}

	if cache.Len() != 2 {
		t.Errorf("expected 2 cache entries, got %d", cache.Len())
	}
}

func TestTrustCache_Clear(t *testing.T) {
	cache := NewTrustCache(TrustCacheConfig{})
	defer cache.Stop()

	for i := 0; i < 5; i++ {
		req := &EvaluationRequest{
			SubjectID: "example.com",
			KeyType:   KeyTypeX5C,
			Role:      Role("role-" + string(rune('a'+i))),
		}
		cache.Set(req, &TrustDecision{Trusted: true})
	}

	if cache.Len() != 5 {
		t.Errorf("expected 5 entries, got %d", cache.Len())
	}

	cache.Clear()

	if cache.Len() != 0 {
		t.Errorf("expected 0 entries after clear, got %d", cache.Len())
	}
}

func TestCachingTrustEvaluator(t *testing.T) {
	// Create a mock evaluator that counts calls
	callCount := 0
	mockEvaluator := &mockTrustEvaluator{
		evaluateFunc: func(ctx context.Context, req *EvaluationRequest) (*TrustDecision, error) {
			callCount++
			return &TrustDecision{
				Trusted: true,
				Reason:  "mock",
			}, nil
		},
	}

	caching := NewCachingTrustEvaluator(mockEvaluator, TrustCacheConfig{
		TTL: 1 * time.Minute,
	})
	defer caching.Stop()

	req := &EvaluationRequest{
		SubjectID: "example.com",
		KeyType:   KeyTypeX5C,
		Role:      RoleIssuer,
	}

	// First call should hit the evaluator
	_, err := caching.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("first evaluate failed: %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}

	// Second call should hit cache
	_, err = caching.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("second evaluate failed: %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call (cached), got %d", callCount)
	}
}

func TestCachingTrustEvaluator_BypassCache(t *testing.T) {
	callCount := 0
	mockEvaluator := &mockTrustEvaluator{
		evaluateFunc: func(ctx context.Context, req *EvaluationRequest) (*TrustDecision, error) {
			callCount++
			return &TrustDecision{Trusted: true}, nil
		},
	}

	caching := NewCachingTrustEvaluator(mockEvaluator, TrustCacheConfig{})
	defer caching.Stop()

	req := &EvaluationRequest{
		SubjectID: "example.com",
		KeyType:   KeyTypeX5C,
		Role:      RoleIssuer,
		Options:   &TrustOptions{BypassCache: true},
	}

	// Both calls should hit the evaluator (bypass cache)
	caching.Evaluate(context.Background(), req)
	caching.Evaluate(context.Background(), req)

	if callCount != 2 {
		t.Errorf("expected 2 calls with bypass, got %d", callCount)
	}
}

func TestCachingTrustEvaluator_NegativeNotCached(t *testing.T) {
	callCount := 0
	mockEvaluator := &mockTrustEvaluator{
		evaluateFunc: func(ctx context.Context, req *EvaluationRequest) (*TrustDecision, error) {
			callCount++
			return &TrustDecision{Trusted: false, Reason: "untrusted"}, nil
		},
	}

	caching := NewCachingTrustEvaluator(mockEvaluator, TrustCacheConfig{})
	defer caching.Stop()

	req := &EvaluationRequest{
		SubjectID: "untrusted.example.com",
		KeyType:   KeyTypeX5C,
		Role:      RoleIssuer,
	}

	// Negative decisions are not cached by default
	caching.Evaluate(context.Background(), req)
	caching.Evaluate(context.Background(), req)

	if callCount != 2 {
		t.Errorf("expected 2 calls (negative not cached), got %d", callCount)
	}
}

// mockTrustEvaluator is a test helper
type mockTrustEvaluator struct {
	evaluateFunc func(ctx context.Context, req *EvaluationRequest) (*TrustDecision, error)
}

func (m *mockTrustEvaluator) Evaluate(ctx context.Context, req *EvaluationRequest) (*TrustDecision, error) {
	if m.evaluateFunc != nil {
		return m.evaluateFunc(ctx, req)
	}
	return &TrustDecision{Trusted: true}, nil
}

func (m *mockTrustEvaluator) SupportsKeyType(kt KeyType) bool {
	return true
}

// createTestCert creates a self-signed certificate for testing
func createTestCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	return cert
}

func TestComputeKeyFingerprint(t *testing.T) {
	cert := createTestCert(t, "CN=Test")
	chain := []*x509.Certificate{cert}

	fp1 := computeKeyFingerprint(chain)
	fp2 := computeKeyFingerprint(chain)

	if fp1 == "" {
		t.Error("expected non-empty fingerprint")
	}
	if fp1 != fp2 {
		t.Error("fingerprint should be deterministic")
	}

	// Different cert should have different fingerprint
	cert2 := createTestCert(t, "CN=Test2")
	chain2 := []*x509.Certificate{cert2}
	fp3 := computeKeyFingerprint(chain2)

	if fp1 == fp3 {
		t.Error("different certs should have different fingerprints")
	}
}
