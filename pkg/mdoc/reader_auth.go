// Package mdoc implements the ISO/IEC 18013-5:2021 Mobile Driving Licence (mDL) data model.
package mdoc

import (
	"crypto"
	"crypto/x509"
	"slices"

	mdlerrors "github.com/vess-id/mdl/pkg/errors"
)

// ReaderAuthentication represents the structure to be signed for reader authentication.
// Per ISO 18013-5:2021 section 9.1.4.
type ReaderAuthentication struct {
	// SessionTranscript is the session transcript bytes
	SessionTranscript []byte
	// ItemsRequestBytes is the CBOR-encoded items request
	ItemsRequestBytes []byte
}

// ReaderAuthBuilder builds the ReaderAuth COSE_Sign1 a relying party attaches
// to a DocRequest so the holder's device can decide, per GetAllowedNamespaces,
// how much of the request to honor.
type ReaderAuthBuilder struct {
	sessionTranscript []byte
	itemsRequest      *ItemsRequest
	readerKey         crypto.Signer
	readerCertChain   []*x509.Certificate
}

// NewReaderAuthBuilder creates a new ReaderAuthBuilder.
func NewReaderAuthBuilder() *ReaderAuthBuilder {
	return &ReaderAuthBuilder{}
}

// WithSessionTranscript sets the session transcript.
func (b *ReaderAuthBuilder) WithSessionTranscript(transcript []byte) *ReaderAuthBuilder {
	b.sessionTranscript = transcript
	return b
}

// WithItemsRequest sets the items request to be signed.
func (b *ReaderAuthBuilder) WithItemsRequest(request *ItemsRequest) *ReaderAuthBuilder {
	b.itemsRequest = request
	return b
}

// WithReaderKey sets the reader's private key and certificate chain.
func (b *ReaderAuthBuilder) WithReaderKey(key crypto.Signer, certChain []*x509.Certificate) *ReaderAuthBuilder {
	b.readerKey = key
	b.readerCertChain = certChain
	return b
}

// Build creates the ReaderAuth COSE_Sign1 structure.
func (b *ReaderAuthBuilder) Build() ([]byte, error) {
	if b.sessionTranscript == nil {
		return nil, mdlerrors.Builder("session transcript is required")
	}
	if b.itemsRequest == nil {
		return nil, mdlerrors.Builder("items request is required")
	}
	if b.readerKey == nil {
		return nil, mdlerrors.Builder("reader key is required")
	}
	if len(b.readerCertChain) == 0 {
		return nil, mdlerrors.Builder("reader certificate chain is required")
	}
	if err := ValidateReaderCertificate(b.readerCertChain[0], DefaultReaderCertProfile()); err != nil {
		return nil, err
	}

	encoder, err := NewCBOREncoder()
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "create CBOR encoder")
	}

	itemsRequestBytes, err := encoder.Marshal(b.itemsRequest)
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "encode items request")
	}

	readerAuthBytes, err := encoder.Marshal([]any{
		"ReaderAuthentication",
		b.sessionTranscript,
		itemsRequestBytes,
	})
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "encode ReaderAuthentication")
	}

	algorithm, err := AlgorithmForKey(b.readerKey)
	if err != nil {
		return nil, err
	}

	x5chain := make([][]byte, len(b.readerCertChain))
	for i, cert := range b.readerCertChain {
		x5chain[i] = cert.Raw
	}

	sign1, err := Sign1(readerAuthBytes, b.readerKey, algorithm, x5chain, nil)
	if err != nil {
		return nil, mdlerrors.CryptoWrap(err, "sign reader authentication")
	}

	signedBytes, err := encoder.Marshal(sign1)
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "encode signed reader auth")
	}

	return signedBytes, nil
}

// BuildDocRequest creates a complete DocRequest with reader authentication.
func (b *ReaderAuthBuilder) BuildDocRequest() (*DocRequest, error) {
	if b.itemsRequest == nil {
		return nil, mdlerrors.Builder("items request is required")
	}

	encoder, err := NewCBOREncoder()
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "create CBOR encoder")
	}

	itemsRequestBytes, err := encoder.Marshal(b.itemsRequest)
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "encode items request")
	}

	docRequest := &DocRequest{
		ItemsRequest: itemsRequestBytes,
	}

	if b.readerKey != nil && len(b.readerCertChain) > 0 && b.sessionTranscript != nil {
		readerAuth, err := b.Build()
		if err != nil {
			return nil, err
		}
		docRequest.ReaderAuth = readerAuth
	}

	return docRequest, nil
}

// ReaderAuthVerifier verifies reader authentication on the device side.
type ReaderAuthVerifier struct {
	sessionTranscript []byte
	trustedReaders    *ReaderTrustList
}

// ReaderTrustList maintains a list of trusted reader certificates or CAs, plus
// the namespace intent a holder's device should honor per reader — the
// offline counterpart to the issuer/relying-party trust evaluators in
// package trust.
type ReaderTrustList struct {
	trustedCerts []*x509.Certificate
	trustedCAs   []*x509.Certificate
	// intentMapping maps certificate subjects to allowed intents/namespaces
	intentMapping map[string][]string
}

// NewReaderTrustList creates a new ReaderTrustList.
func NewReaderTrustList() *ReaderTrustList {
	return &ReaderTrustList{
		trustedCerts:  make([]*x509.Certificate, 0),
		trustedCAs:    make([]*x509.Certificate, 0),
		intentMapping: make(map[string][]string),
	}
}

// AddTrustedCertificate adds a directly trusted reader certificate.
func (t *ReaderTrustList) AddTrustedCertificate(cert *x509.Certificate) {
	t.trustedCerts = append(t.trustedCerts, cert)
}

// AddTrustedCA adds a trusted CA that can issue reader certificates.
func (t *ReaderTrustList) AddTrustedCA(cert *x509.Certificate) {
	t.trustedCAs = append(t.trustedCAs, cert)
}

// SetIntentMapping sets the allowed namespaces/elements for a reader identified by subject.
func (t *ReaderTrustList) SetIntentMapping(subject string, allowedNamespaces []string) {
	t.intentMapping[subject] = allowedNamespaces
}

// GetAllowedNamespaces returns the namespaces a reader is allowed to access.
func (t *ReaderTrustList) GetAllowedNamespaces(cert *x509.Certificate) []string {
	if namespaces, ok := t.intentMapping[cert.Subject.CommonName]; ok {
		return namespaces
	}
	// If no specific mapping, allow all (or could default to none)
	return nil
}

// verifyChain verifies a certificate chain where the root is trusted.
func (t *ReaderTrustList) verifyChain(chain []*x509.Certificate) error {
	if len(chain) < 2 {
		return mdlerrors.Trust("reader certificate chain too short")
	}

	issuer := chain[len(chain)-1]
	if !t.isTrustedCA(issuer) {
		return mdlerrors.Trust("reader chain issuer not trusted")
	}

	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			return mdlerrors.TrustWrap(err, "reader chain verification failed at position %d", i)
		}
	}
	return nil
}

// isTrustedCA checks if a certificate is a trusted CA.
func (t *ReaderTrustList) isTrustedCA(cert *x509.Certificate) bool {
	return slices.ContainsFunc(t.trustedCAs, cert.Equal)
}

// IsTrusted checks if a reader certificate chain is trusted.
func (t *ReaderTrustList) IsTrusted(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return mdlerrors.Trust("empty reader certificate chain")
	}

	readerCert := chain[0]

	for _, trusted := range t.trustedCerts {
		if readerCert.Equal(trusted) {
			return nil
		}
	}

	for _, ca := range t.trustedCAs {
		if err := readerCert.CheckSignatureFrom(ca); err == nil {
			return nil
		}
	}

	if err := t.verifyChain(chain); err == nil {
		return nil
	}

	return mdlerrors.Trust("reader certificate not trusted")
}

// NewReaderAuthVerifier creates a new ReaderAuthVerifier.
func NewReaderAuthVerifier(sessionTranscript []byte, trustedReaders *ReaderTrustList) *ReaderAuthVerifier {
	return &ReaderAuthVerifier{
		sessionTranscript: sessionTranscript,
		trustedReaders:    trustedReaders,
	}
}

// VerifyReaderAuth verifies reader authentication and returns the verified items request.
func (v *ReaderAuthVerifier) VerifyReaderAuth(readerAuthBytes []byte, itemsRequestBytes []byte) (*ItemsRequest, *x509.Certificate, error) {
	if len(readerAuthBytes) == 0 {
		return nil, nil, mdlerrors.Parse("reader auth is empty")
	}

	encoder, err := NewCBOREncoder()
	if err != nil {
		return nil, nil, mdlerrors.ParseWrap(err, "create CBOR encoder")
	}

	var sign1 COSESign1
	if err := encoder.Unmarshal(readerAuthBytes, &sign1); err != nil {
		return nil, nil, mdlerrors.ParseWrap(err, "parse reader auth COSE_Sign1")
	}

	certChain, err := GetCertificateChainFromSign1(&sign1)
	if err != nil {
		return nil, nil, err
	}

	if len(certChain) == 0 {
		return nil, nil, mdlerrors.Parse("no certificates in reader auth")
	}

	readerCert := certChain[0]

	if v.trustedReaders != nil {
		if err := v.trustedReaders.IsTrusted(certChain); err != nil {
			return nil, nil, err
		}
	}

	readerAuthPayload, err := encoder.Marshal([]any{
		"ReaderAuthentication",
		v.sessionTranscript,
		itemsRequestBytes,
	})
	if err != nil {
		return nil, nil, mdlerrors.ParseWrap(err, "encode reader auth for verification")
	}

	if err := Verify1(&sign1, readerAuthPayload, readerCert.PublicKey, nil); err != nil {
		return nil, nil, mdlerrors.CryptoWrap(err, "verify reader auth signature")
	}

	var itemsRequest ItemsRequest
	if err := encoder.Unmarshal(itemsRequestBytes, &itemsRequest); err != nil {
		return nil, nil, mdlerrors.ParseWrap(err, "parse items request")
	}

	return &itemsRequest, readerCert, nil
}

// FilterRequestByIntent filters an items request based on reader's allowed intents.
func (v *ReaderAuthVerifier) FilterRequestByIntent(request *ItemsRequest, readerCert *x509.Certificate) *ItemsRequest {
	if v.trustedReaders == nil {
		return request
	}

	allowedNamespaces := v.trustedReaders.GetAllowedNamespaces(readerCert)
	if allowedNamespaces == nil {
		return request
	}

	allowedSet := make(map[string]bool)
	for _, ns := range allowedNamespaces {
		allowedSet[ns] = true
	}

	filteredRequest := &ItemsRequest{
		DocType:     request.DocType,
		NameSpaces:  make(map[string]map[string]bool),
		RequestInfo: request.RequestInfo,
	}

	for ns, elements := range request.NameSpaces {
		if allowedSet[ns] {
			filteredRequest.NameSpaces[ns] = elements
		}
	}

	return filteredRequest
}

// VerifyAndFilterRequest verifies reader auth and filters the request by intent.
func (v *ReaderAuthVerifier) VerifyAndFilterRequest(readerAuthBytes []byte, itemsRequestBytes []byte) (*ItemsRequest, *x509.Certificate, error) {
	request, cert, err := v.VerifyReaderAuth(readerAuthBytes, itemsRequestBytes)
	if err != nil {
		return nil, nil, err
	}

	filtered := v.FilterRequestByIntent(request, cert)
	return filtered, cert, nil
}

// ReaderCertificateProfile defines the expected profile for reader authentication certificates.
// Per ISO 18013-5:2021 Annex B.1.7.
type ReaderCertificateProfile struct {
	// ExtKeyUsageOID is the dotted extended key usage OID a reader cert must
	// carry (id-mdl-kp-mdlReaderAuth). Empty skips the check.
	ExtKeyUsageOID string
}

// DefaultReaderCertProfile returns the default reader certificate profile.
func DefaultReaderCertProfile() *ReaderCertificateProfile {
	return &ReaderCertificateProfile{
		// OID 1.0.18013.5.1.6 - id-mdl-kp-mdlReaderAuth
		ExtKeyUsageOID: "1.0.18013.5.1.6",
	}
}

// ValidateReaderCertificate validates a reader certificate against the profile.
func ValidateReaderCertificate(cert *x509.Certificate, profile *ReaderCertificateProfile) error {
	if cert == nil {
		return mdlerrors.Trust("reader certificate is nil")
	}

	if cert.IsCA {
		return mdlerrors.Trust("reader certificate must not be a CA")
	}

	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return mdlerrors.Trust("reader certificate must have digital signature key usage")
	}

	if profile != nil && profile.ExtKeyUsageOID != "" && !hasExtKeyUsageOID(cert, profile.ExtKeyUsageOID) {
		return mdlerrors.Trust("reader certificate is missing extended key usage %s (id-mdl-kp-mdlReaderAuth)", profile.ExtKeyUsageOID)
	}

	return nil
}

// hasExtKeyUsageOID reports whether cert's extended key usage extension
// carries the given dotted OID. id-mdl-kp-mdlReaderAuth isn't one of the
// handful of purposes x509.ExtKeyUsage recognizes, so it only ever shows up
// in UnknownExtKeyUsage.
func hasExtKeyUsageOID(cert *x509.Certificate, dottedOID string) bool {
	for _, oid := range cert.UnknownExtKeyUsage {
		if oid.String() == dottedOID {
			return true
		}
	}
	return false
}

// HasReaderAuth checks if a DocRequest contains reader authentication.
func HasReaderAuth(docRequest *DocRequest) bool {
	return len(docRequest.ReaderAuth) > 0
}

// ExtractReaderCertificate extracts the reader certificate from a DocRequest.
func ExtractReaderCertificate(docRequest *DocRequest) (*x509.Certificate, error) {
	if !HasReaderAuth(docRequest) {
		return nil, mdlerrors.Parse("no reader auth present")
	}

	encoder, err := NewCBOREncoder()
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "create CBOR encoder")
	}

	var sign1 COSESign1
	if err := encoder.Unmarshal(docRequest.ReaderAuth, &sign1); err != nil {
		return nil, mdlerrors.ParseWrap(err, "parse reader auth")
	}

	certChain, err := GetCertificateChainFromSign1(&sign1)
	if err != nil {
		return nil, err
	}

	if len(certChain) == 0 {
		return nil, mdlerrors.Parse("no certificates in reader auth")
	}

	return certChain[0], nil
}
