// Package mdoc implements the ISO/IEC 18013-5:2021 Mobile Driving Licence (mDL) data model.
package mdoc

import (
	"crypto"

	mdlerrors "github.com/vess-id/mdl/pkg/errors"
)

// DeviceAuthentication represents the structure to be signed/MACed for device authentication.
// Per ISO 18013-5:2021 section 9.1.3.
type DeviceAuthentication struct {
	// SessionTranscript is the session transcript bytes
	SessionTranscript []byte
	// DocType is the document type being authenticated
	DocType string
	// DeviceNameSpacesBytes is the CBOR-encoded device-signed namespaces
	DeviceNameSpacesBytes []byte
}

// DeviceAuthBuilder builds the DeviceSigned structure for mdoc authentication.
// A wallet picks exactly one of WithDeviceKey (signature, the common case for
// an mDL holder presenting over the ISO 18013-5 transport) or WithSessionKey
// (MAC, cheaper but ties the proof to the session that negotiated the key).
type DeviceAuthBuilder struct {
	docType           string
	sessionTranscript []byte
	deviceNameSpaces  map[string]map[string]any
	deviceKey         crypto.Signer
	sessionKey        []byte // For MAC-based authentication
	useMAC            bool
}

// NewDeviceAuthBuilder creates a new DeviceAuthBuilder.
func NewDeviceAuthBuilder(docType string) *DeviceAuthBuilder {
	return &DeviceAuthBuilder{
		docType:          docType,
		deviceNameSpaces: make(map[string]map[string]any),
	}
}

// WithSessionTranscript sets the session transcript.
func (b *DeviceAuthBuilder) WithSessionTranscript(transcript []byte) *DeviceAuthBuilder {
	b.sessionTranscript = transcript
	return b
}

// WithDeviceKey sets the device private key for signature-based authentication.
func (b *DeviceAuthBuilder) WithDeviceKey(key crypto.Signer) *DeviceAuthBuilder {
	b.deviceKey = key
	b.useMAC = false
	return b
}

// WithSessionKey sets the session key for MAC-based authentication.
// This is typically derived from the session encryption keys.
func (b *DeviceAuthBuilder) WithSessionKey(key []byte) *DeviceAuthBuilder {
	b.sessionKey = key
	b.useMAC = true
	return b
}

// AddDeviceNameSpace adds device-signed data elements.
func (b *DeviceAuthBuilder) AddDeviceNameSpace(namespace string, elements map[string]any) *DeviceAuthBuilder {
	b.deviceNameSpaces[namespace] = elements
	return b
}

// Build creates the DeviceSigned structure.
func (b *DeviceAuthBuilder) Build() (*DeviceSigned, error) {
	if b.sessionTranscript == nil {
		return nil, mdlerrors.Builder("session transcript is required")
	}

	if !b.useMAC && b.deviceKey == nil {
		return nil, mdlerrors.Builder("device key or session key is required")
	}

	if b.useMAC && len(b.sessionKey) == 0 {
		return nil, mdlerrors.Builder("session key is required for MAC authentication")
	}

	encoder, err := NewCBOREncoder()
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "create CBOR encoder")
	}

	// Encode device namespaces
	var deviceNameSpacesBytes []byte
	if len(b.deviceNameSpaces) > 0 {
		deviceNameSpacesBytes, err = encoder.Marshal(b.deviceNameSpaces)
		if err != nil {
			return nil, mdlerrors.ParseWrap(err, "encode device namespaces")
		}
	} else {
		// Empty map per spec
		deviceNameSpacesBytes, err = encoder.Marshal(map[string]any{})
		if err != nil {
			return nil, mdlerrors.ParseWrap(err, "encode empty device namespaces")
		}
	}

	deviceAuthBytes, err := b.marshalDeviceAuthentication(encoder, deviceNameSpacesBytes)
	if err != nil {
		return nil, err
	}

	var deviceSigned DeviceSigned
	deviceSigned.NameSpaces = deviceNameSpacesBytes

	if b.useMAC {
		mac0, err := b.createDeviceMAC(deviceAuthBytes)
		if err != nil {
			return nil, mdlerrors.CryptoWrap(err, "create device MAC")
		}

		macBytes, err := encoder.Marshal(mac0)
		if err != nil {
			return nil, mdlerrors.ParseWrap(err, "encode device MAC")
		}
		deviceSigned.DeviceAuth.DeviceMac = macBytes
	} else {
		sign1, err := b.createDeviceSignature(deviceAuthBytes)
		if err != nil {
			return nil, mdlerrors.CryptoWrap(err, "create device signature")
		}

		sigBytes, err := encoder.Marshal(sign1)
		if err != nil {
			return nil, mdlerrors.ParseWrap(err, "encode device signature")
		}
		deviceSigned.DeviceAuth.DeviceSignature = sigBytes
	}

	return &deviceSigned, nil
}

// marshalDeviceAuthentication encodes the DeviceAuthentication array per
// ISO 18013-5: ["DeviceAuthentication", SessionTranscript, DocType, DeviceNameSpacesBytes].
func (b *DeviceAuthBuilder) marshalDeviceAuthentication(encoder *CBOREncoder, deviceNameSpacesBytes []byte) ([]byte, error) {
	deviceAuth := []any{
		"DeviceAuthentication",
		b.sessionTranscript,
		b.docType,
		deviceNameSpacesBytes,
	}
	data, err := encoder.Marshal(deviceAuth)
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "encode DeviceAuthentication")
	}
	return data, nil
}

// createDeviceSignature creates a COSE_Sign1 for device authentication.
func (b *DeviceAuthBuilder) createDeviceSignature(payload []byte) (*COSESign1, error) {
	algorithm, err := AlgorithmForKey(b.deviceKey)
	if err != nil {
		return nil, err
	}

	// Detached signature - payload is external
	return Sign1Detached(payload, b.deviceKey, algorithm, nil, nil)
}

// createDeviceMAC creates a COSE_Mac0 for device authentication. ISO 18013-5
// fixes EMacKey-based device auth to HMAC-256 (§9.1.3.5).
func (b *DeviceAuthBuilder) createDeviceMAC(payload []byte) (*COSEMac0, error) {
	return Mac0(payload, b.sessionKey, AlgorithmHMAC256, nil)
}

// DeviceAuthVerifier verifies device authentication against a fixed session
// transcript and doc type, matching the structure the holder signed/MACed.
type DeviceAuthVerifier struct {
	sessionTranscript []byte
	docType           string
}

// NewDeviceAuthVerifier creates a new DeviceAuthVerifier.
func NewDeviceAuthVerifier(sessionTranscript []byte, docType string) *DeviceAuthVerifier {
	return &DeviceAuthVerifier{
		sessionTranscript: sessionTranscript,
		docType:           docType,
	}
}

// VerifySignature verifies a signature-based device authentication.
func (v *DeviceAuthVerifier) VerifySignature(deviceSigned *DeviceSigned, deviceKey crypto.PublicKey) error {
	if len(deviceSigned.DeviceAuth.DeviceSignature) == 0 {
		return mdlerrors.Crypto("no device signature present")
	}

	encoder, err := NewCBOREncoder()
	if err != nil {
		return mdlerrors.ParseWrap(err, "create CBOR encoder")
	}

	var sign1 COSESign1
	if err := encoder.Unmarshal(deviceSigned.DeviceAuth.DeviceSignature, &sign1); err != nil {
		return mdlerrors.ParseWrap(err, "parse device signature")
	}

	deviceAuthBytes, err := v.buildDeviceAuthBytes(deviceSigned.NameSpaces)
	if err != nil {
		return err
	}

	if err := Verify1(&sign1, deviceAuthBytes, deviceKey, nil); err != nil {
		return mdlerrors.CryptoWrap(err, "verify device signature")
	}

	return nil
}

// VerifyMAC verifies a MAC-based device authentication.
func (v *DeviceAuthVerifier) VerifyMAC(deviceSigned *DeviceSigned, sessionKey []byte) error {
	if len(deviceSigned.DeviceAuth.DeviceMac) == 0 {
		return mdlerrors.Crypto("no device MAC present")
	}

	encoder, err := NewCBOREncoder()
	if err != nil {
		return mdlerrors.ParseWrap(err, "create CBOR encoder")
	}

	var mac0 COSEMac0
	if err := encoder.Unmarshal(deviceSigned.DeviceAuth.DeviceMac, &mac0); err != nil {
		return mdlerrors.ParseWrap(err, "parse device MAC")
	}

	deviceAuthBytes, err := v.buildDeviceAuthBytes(deviceSigned.NameSpaces)
	if err != nil {
		return err
	}

	if err := VerifyCOSEMac0(&mac0, sessionKey, nil); err != nil {
		return mdlerrors.CryptoWrap(err, "verify device MAC")
	}

	if len(mac0.Payload) > 0 && string(mac0.Payload) != string(deviceAuthBytes) {
		return mdlerrors.Integrity("device auth payload does not match the reconstructed DeviceAuthentication")
	}

	return nil
}

// buildDeviceAuthBytes reconstructs the DeviceAuthentication bytes for verification.
func (v *DeviceAuthVerifier) buildDeviceAuthBytes(deviceNameSpacesBytes []byte) ([]byte, error) {
	encoder, err := NewCBOREncoder()
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "create CBOR encoder")
	}

	if deviceNameSpacesBytes == nil {
		deviceNameSpacesBytes, err = encoder.Marshal(map[string]any{})
		if err != nil {
			return nil, mdlerrors.ParseWrap(err, "encode empty device namespaces")
		}
	}

	deviceAuth := []any{
		"DeviceAuthentication",
		v.sessionTranscript,
		v.docType,
		deviceNameSpacesBytes,
	}

	data, err := encoder.Marshal(deviceAuth)
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "encode DeviceAuthentication")
	}
	return data, nil
}

// ExtractDeviceKeyFromMSO extracts the device public key from the MSO.
func ExtractDeviceKeyFromMSO(mso *MobileSecurityObject) (crypto.PublicKey, error) {
	if mso == nil {
		return nil, mdlerrors.Parse("MSO is nil")
	}

	if len(mso.DeviceKeyInfo.DeviceKey) == 0 {
		return nil, mdlerrors.Parse("device key not present in MSO")
	}

	encoder, err := NewCBOREncoder()
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "create CBOR encoder")
	}

	var coseKey COSEKey
	if err := encoder.Unmarshal(mso.DeviceKeyInfo.DeviceKey, &coseKey); err != nil {
		return nil, mdlerrors.ParseWrap(err, "parse device COSE key")
	}

	return coseKey.ToPublicKey()
}

// VerifyDeviceAuth verifies device authentication as part of document verification.
// This should be called after verifying the issuer signature. A document with
// neither a device signature nor a device MAC is treated as holder-binding-free
// presentation, which ISO 18013-5 leaves to the relying party's policy.
func (v *Verifier) VerifyDeviceAuth(doc *Document, mso *MobileSecurityObject, sessionTranscript []byte) error {
	if len(doc.DeviceSigned.DeviceAuth.DeviceSignature) == 0 && len(doc.DeviceSigned.DeviceAuth.DeviceMac) == 0 {
		return nil
	}

	deviceKey, err := ExtractDeviceKeyFromMSO(mso)
	if err != nil {
		return err
	}

	verifier := NewDeviceAuthVerifier(sessionTranscript, doc.DocType)

	if len(doc.DeviceSigned.DeviceAuth.DeviceSignature) > 0 {
		return verifier.VerifySignature(&doc.DeviceSigned, deviceKey)
	}

	// MAC-based device auth needs the session key, which only the reader's
	// side of the active transport session holds; callers with that key
	// must use VerifyDeviceAuthWithSessionKey instead.
	return mdlerrors.Builder("MAC-based device auth present: use VerifyDeviceAuthWithSessionKey")
}

// VerifyDeviceAuthWithSessionKey verifies MAC-based device authentication.
func (v *Verifier) VerifyDeviceAuthWithSessionKey(doc *Document, sessionTranscript []byte, sessionKey []byte) error {
	if len(doc.DeviceSigned.DeviceAuth.DeviceMac) == 0 {
		return mdlerrors.Crypto("no device MAC present")
	}

	verifier := NewDeviceAuthVerifier(sessionTranscript, doc.DocType)
	return verifier.VerifyMAC(&doc.DeviceSigned, sessionKey)
}

// DeriveDeviceAuthenticationKey derives the EMacKey used for MAC-based device
// authentication from the session's ECDH shared secret, per ISO 18013-5's
// HKDF-SHA256(sharedSecret, salt=nil, info="EMacKey", L=32).
func DeriveDeviceAuthenticationKey(sessionEncryption *SessionEncryption) ([]byte, error) {
	if sessionEncryption == nil {
		return nil, mdlerrors.Builder("session encryption is nil")
	}

	key, err := hkdfDerive(
		sessionEncryption.sharedSecret,
		nil,
		[]byte("EMacKey"),
		32,
	)
	if err != nil {
		return nil, mdlerrors.CryptoWrap(err, "derive EMacKey")
	}
	return key, nil
}
