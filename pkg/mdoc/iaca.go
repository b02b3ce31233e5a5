// Package mdoc provides IACA (Issuing Authority Certificate Authority) management
// per ISO/IEC 18013-5:2021 Annex B.
package mdoc

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"time"

	mdlerrors "github.com/vess-id/mdl/pkg/errors"
)

// OIDs defined in ISO 18013-5 Annex B.
var (
	// OIDMobileDriverLicence is the extended key usage OID for mDL.
	OIDMobileDriverLicence = asn1.ObjectIdentifier{1, 0, 18013, 5, 1, 2}

	// OIDMDLDocumentSigner is the extended key usage OID a Document Signer
	// certificate must carry (ISO 18013-5 Annex B.1.6).
	OIDMDLDocumentSigner = asn1.ObjectIdentifier{1, 0, 18013, 5, 1, 6}

	// OIDCRLDistributionPoints for CRL distribution.
	OIDCRLDistributionPoints = asn1.ObjectIdentifier{2, 5, 29, 31}

	// OIDAuthorityInfoAccess for OCSP.
	OIDAuthorityInfoAccess = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
)

// IACACertProfile represents the certificate profile requirements.
type IACACertProfile string

const (
	// ProfileIACA is for the root IACA certificate.
	ProfileIACA IACACertProfile = "IACA"
	// ProfileDS is for Document Signer certificates.
	ProfileDS IACACertProfile = "DS"
)

// IACACertRequest contains the parameters for generating an IACA or DS certificate.
type IACACertRequest struct {
	// Profile specifies IACA (root) or DS (document signer)
	Profile IACACertProfile

	// Subject information
	Country            string // ISO 3166-1 alpha-2
	Organization       string
	OrganizationalUnit string
	CommonName         string

	// Validity period
	NotBefore time.Time
	NotAfter  time.Time

	// Key to certify (public key)
	PublicKey crypto.PublicKey

	// For DS certificates, the issuing IACA
	IssuerCert *x509.Certificate
	IssuerKey  crypto.Signer

	// CRL distribution point URL
	CRLDistributionURL string

	// OCSP responder URL
	OCSPResponderURL string

	// Serial number (optional, generated if not provided)
	SerialNumber *big.Int
}

// IACACertManager manages IACA and Document Signer certificates for a single
// issuing authority. IssueDSCertificate caches each Document Signer
// certificate by common name in an unexported map; the manager has no method
// that looks one up.
type IACACertManager struct {
	iacaCert *x509.Certificate
	iacaKey  crypto.Signer
	dsCerts  map[string]*x509.Certificate
}

// NewIACACertManager creates a new certificate manager.
func NewIACACertManager() *IACACertManager {
	manager := &IACACertManager{
		dsCerts: make(map[string]*x509.Certificate),
	}
	return manager
}

// LoadIACA loads an existing IACA certificate and key.
func (m *IACACertManager) LoadIACA(cert *x509.Certificate, key crypto.Signer) error {
	if cert == nil {
		return mdlerrors.Builder("IACA certificate is required")
	}
	if key == nil {
		return mdlerrors.Builder("IACA private key is required")
	}

	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		privKey, ok := key.(*ecdsa.PrivateKey)
		if !ok || !privKey.PublicKey.Equal(pub) {
			return mdlerrors.Crypto("IACA key does not match certificate")
		}
	case ed25519.PublicKey:
		privKey, ok := key.(ed25519.PrivateKey)
		if !ok {
			return mdlerrors.Crypto("IACA key does not match certificate type")
		}
		derivedPub := privKey.Public().(ed25519.PublicKey)
		if !derivedPub.Equal(pub) {
			return mdlerrors.Crypto("IACA key does not match certificate")
		}
	default:
		return mdlerrors.Crypto("unsupported key type: %T", cert.PublicKey)
	}

	m.iacaCert = cert
	m.iacaKey = key
	return nil
}

// GenerateIACACertificate generates a self-signed IACA root certificate.
// Per ISO 18013-5 Annex B.1.2.
func (m *IACACertManager) GenerateIACACertificate(req *IACACertRequest) (*x509.Certificate, crypto.Signer, error) {
	if req.Profile != ProfileIACA {
		return nil, nil, mdlerrors.Builder("invalid profile for IACA certificate: %s", req.Profile)
	}

	var privateKey crypto.Signer
	var publicKey crypto.PublicKey
	var err error

	if req.PublicKey == nil {
		privateKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, mdlerrors.CryptoWrap(err, "generate IACA key")
		}
		publicKey = privateKey.Public()
	} else {
		publicKey = req.PublicKey
		if req.IssuerKey == nil {
			return nil, nil, mdlerrors.Builder("private key required when public key is provided")
		}
		privateKey = req.IssuerKey
	}

	serialNumber := req.SerialNumber
	if serialNumber == nil {
		serialNumber, err = generateSerialNumber()
		if err != nil {
			return nil, nil, mdlerrors.CryptoWrap(err, "generate IACA serial number")
		}
	}

	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().UTC()
	}
	notAfter := req.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.AddDate(10, 0, 0) // 10 years default for IACA
	}

	subject := pkix.Name{
		Country:            []string{req.Country},
		Organization:       []string{req.Organization},
		OrganizationalUnit: []string{req.OrganizationalUnit},
		CommonName:         req.CommonName,
	}

	// IACA certificate template per Annex B.1.2
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		Issuer:                subject, // Self-signed
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0, // Only signs DS certificates
		MaxPathLenZero:        true,
	}

	if req.CRLDistributionURL != "" {
		template.CRLDistributionPoints = []string{req.CRLDistributionURL}
	}
	if req.OCSPResponderURL != "" {
		template.OCSPServer = []string{req.OCSPResponderURL}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return nil, nil, mdlerrors.CryptoWrap(err, "create IACA certificate")
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, mdlerrors.ParseWrap(err, "parse IACA certificate")
	}

	m.iacaCert = cert
	m.iacaKey = privateKey

	return cert, privateKey, nil
}

// IssueDSCertificate issues a Document Signer certificate.
// Per ISO 18013-5 Annex B.1.3.
func (m *IACACertManager) IssueDSCertificate(req *IACACertRequest) (*x509.Certificate, error) {
	if m.iacaCert == nil || m.iacaKey == nil {
		return nil, mdlerrors.Builder("IACA certificate and key must be loaded first")
	}
	if req.Profile != ProfileDS {
		return nil, mdlerrors.Builder("invalid profile for DS certificate: %s", req.Profile)
	}
	if req.PublicKey == nil {
		return nil, mdlerrors.Builder("public key is required for DS certificate")
	}

	serialNumber := req.SerialNumber
	var err error
	if serialNumber == nil {
		serialNumber, err = generateSerialNumber()
		if err != nil {
			return nil, mdlerrors.CryptoWrap(err, "generate DS serial number")
		}
	}

	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().UTC()
	}
	notAfter := req.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.AddDate(2, 0, 0) // 2 years default for DS
	}

	// A DS certificate cannot outlive the IACA that signs it.
	if notAfter.After(m.iacaCert.NotAfter) {
		notAfter = m.iacaCert.NotAfter
	}

	subject := pkix.Name{
		Country:            []string{req.Country},
		Organization:       []string{req.Organization},
		OrganizationalUnit: []string{req.OrganizationalUnit},
		CommonName:         req.CommonName,
	}

	// DS certificate template per Annex B.1.3
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{},
		UnknownExtKeyUsage:    []asn1.ObjectIdentifier{OIDMDLDocumentSigner},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	if req.CRLDistributionURL != "" {
		template.CRLDistributionPoints = []string{req.CRLDistributionURL}
	}
	if req.OCSPResponderURL != "" {
		template.OCSPServer = []string{req.OCSPResponderURL}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, m.iacaCert, req.PublicKey, m.iacaKey)
	if err != nil {
		return nil, mdlerrors.CryptoWrap(err, "create DS certificate")
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "parse DS certificate")
	}

	m.dsCerts[cert.Subject.CommonName] = cert

	return cert, nil
}

// GetCertificateChain returns the DS certificate chain including IACA.
func (m *IACACertManager) GetCertificateChain(dsCert *x509.Certificate) []*x509.Certificate {
	if dsCert == nil || m.iacaCert == nil {
		return nil
	}
	return []*x509.Certificate{dsCert, m.iacaCert}
}

// ValidateDSCertificate validates a DS certificate against the IACA.
func (m *IACACertManager) ValidateDSCertificate(dsCert *x509.Certificate) error {
	if m.iacaCert == nil {
		return mdlerrors.Trust("IACA certificate not loaded")
	}

	roots := x509.NewCertPool()
	roots.AddCert(m.iacaCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}

	if _, err := dsCert.Verify(opts); err != nil {
		return mdlerrors.TrustWrap(err, "DS certificate verification")
	}

	if dsCert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return mdlerrors.Trust("DS certificate missing digital signature key usage")
	}

	return nil
}

// GetIACACertificate returns the IACA certificate.
func (m *IACACertManager) GetIACACertificate() *x509.Certificate {
	return m.iacaCert
}

// generateSerialNumber generates a random serial number for certificates.
func generateSerialNumber() (*big.Int, error) {
	serialNumber := make([]byte, 16)
	if _, err := rand.Read(serialNumber); err != nil {
		return nil, mdlerrors.CryptoWrap(err, "generate serial number")
	}
	return new(big.Int).SetBytes(serialNumber), nil
}

// IACATrustList manages a list of trusted IACA certificates, keyed by
// subject key identifier.
type IACATrustList struct {
	trustedCerts map[string]*x509.Certificate
}

// NewIACATrustList creates a new trust list.
func NewIACATrustList() *IACATrustList {
	trustList := &IACATrustList{
		trustedCerts: make(map[string]*x509.Certificate),
	}
	return trustList
}

// AddTrustedIACA adds an IACA certificate to the trust list.
func (t *IACATrustList) AddTrustedIACA(cert *x509.Certificate) error {
	if !cert.IsCA {
		return mdlerrors.Trust("certificate is not a CA")
	}

	ski := fmt.Sprintf("%x", cert.SubjectKeyId)
	if ski == "" {
		ski = cert.Subject.String()
	}

	t.trustedCerts[ski] = cert
	return nil
}

// IsTrusted checks if a certificate chain is trusted.
func (t *IACATrustList) IsTrusted(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return mdlerrors.Trust("empty certificate chain")
	}

	roots := x509.NewCertPool()
	for _, cert := range t.trustedCerts {
		roots.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}

	if len(chain) > 1 {
		intermediates := x509.NewCertPool()
		for _, cert := range chain[1:] {
			intermediates.AddCert(cert)
		}
		opts.Intermediates = intermediates
	}

	if _, err := chain[0].Verify(opts); err != nil {
		return mdlerrors.TrustWrap(err, "certificate chain verification")
	}

	return nil
}

// GetTrustedIssuers returns all trusted IACA certificates.
func (t *IACATrustList) GetTrustedIssuers() []*x509.Certificate {
	certs := make([]*x509.Certificate, 0, len(t.trustedCerts))
	for _, cert := range t.trustedCerts {
		certs = append(certs, cert)
	}
	return certs
}

// IACATrustInfo contains information about a trusted IACA.
type IACATrustInfo struct {
	Country      string
	Organization string
	CommonName   string
	NotBefore    time.Time
	NotAfter     time.Time
	KeyAlgorithm string
	IsValid      bool
}

// GetTrustInfo returns information about all trusted IACAs.
func (t *IACATrustList) GetTrustInfo() []IACATrustInfo {
	now := time.Now()
	infos := make([]IACATrustInfo, 0, len(t.trustedCerts))

	for _, cert := range t.trustedCerts {
		keyAlg := "unknown"
		switch cert.PublicKey.(type) {
		case *ecdsa.PublicKey:
			keyAlg = "ECDSA"
		case ed25519.PublicKey:
			keyAlg = "Ed25519"
		}

		info := IACATrustInfo{
			Country:      getFirstOrEmpty(cert.Subject.Country),
			Organization: getFirstOrEmpty(cert.Subject.Organization),
			CommonName:   cert.Subject.CommonName,
			NotBefore:    cert.NotBefore,
			NotAfter:     cert.NotAfter,
			KeyAlgorithm: keyAlg,
			IsValid:      now.After(cert.NotBefore) && now.Before(cert.NotAfter),
		}
		infos = append(infos, info)
	}

	return infos
}

func getFirstOrEmpty(s []string) string {
	if len(s) > 0 {
		return s[0]
	}
	return ""
}

// CRLInfo contains information about a Certificate Revocation List.
type CRLInfo struct {
	Issuer          string
	ThisUpdate      time.Time
	NextUpdate      time.Time
	RevokedCount    int
	DistributionURL string
}

// ParseCRLDistributionPoint extracts the CRL distribution URL from a certificate.
func ParseCRLDistributionPoint(cert *x509.Certificate) (*url.URL, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, mdlerrors.Parse("no CRL distribution point found")
	}

	u, err := url.Parse(cert.CRLDistributionPoints[0])
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "parse CRL distribution point")
	}
	return u, nil
}

// ExportCertificateChainPEM exports certificates in PEM format, IACA last.
func ExportCertificateChainPEM(chain []*x509.Certificate) []byte {
	var result []byte
	for _, cert := range chain {
		result = append(result, pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		})...)
	}
	return result
}
