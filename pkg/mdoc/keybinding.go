package mdoc

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"slices"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	mdlerrors "github.com/vess-id/mdl/pkg/errors"
)

// KeyBindingProof is an OID4VCI Appendix F.1 JWT proof: it lets a wallet
// demonstrate possession of the private key whose public half should be
// embedded as the mdoc's device key (DeviceKeyInfo) at issuance time, so the
// issuer never has to trust a bare key the wallet hands over out of band.
type KeyBindingProof string

// keyBindingHeader is the JOSE header of a key-binding proof JWT.
type keyBindingHeader struct {
	Alg string        `json:"alg"`
	Typ string        `json:"typ"`
	Kid string        `json:"kid,omitempty"`
	Jwk *keyBindingJWK `json:"jwk,omitempty"`
}

// keyBindingClaims is the claim set of a key-binding proof JWT.
type keyBindingClaims struct {
	Aud   string `json:"aud"`
	Iat   int64  `json:"iat"`
	Nonce string `json:"nonce,omitempty"`
	Iss   string `json:"iss,omitempty"`
}

// keyBindingJWK is the subset of RFC 7517 fields a key-binding proof needs:
// enough to reconstruct an EC2 or OKP COSE_Key for the device key.
type keyBindingJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	Kid string `json:"kid,omitempty"`
}

// KeyBindingVerifyOptions constrains what Verify accepts.
type KeyBindingVerifyOptions struct {
	// Audience must match the claims' aud (the issuer's credential endpoint
	// identifier). Empty skips the check.
	Audience string
	// CNonce, if set, must match the claims' nonce.
	CNonce string
	// SupportedAlgorithms restricts the JWS alg header. Empty allows any
	// asymmetric algorithm this package can verify.
	SupportedAlgorithms []string
}

const keyBindingTyp = "openid4vci-proof+jwt"

// Validate checks the proof's JOSE header and claims shape without touching
// the signature.
func (p KeyBindingProof) Validate() error {
	if p == "" {
		return mdlerrors.Parse("key binding proof is empty")
	}

	parts := strings.Split(string(p), ".")
	if len(parts) != 3 {
		return mdlerrors.Parse("key binding proof: expected 3 JWT segments, got %d", len(parts))
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return mdlerrors.ParseWrap(err, "key binding proof: decode header")
	}
	var header keyBindingHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return mdlerrors.ParseWrap(err, "key binding proof: parse header")
	}
	if header.Alg == "" || header.Alg == "none" {
		return mdlerrors.Parse("key binding proof: alg header missing or none")
	}
	if header.Typ != keyBindingTyp {
		return mdlerrors.Parse("key binding proof: typ must be %q, got %q", keyBindingTyp, header.Typ)
	}
	if header.Kid == "" && header.Jwk == nil {
		return mdlerrors.Parse("key binding proof: one of kid or jwk must be present")
	}

	claimsBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return mdlerrors.ParseWrap(err, "key binding proof: decode claims")
	}
	var claims keyBindingClaims
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return mdlerrors.ParseWrap(err, "key binding proof: parse claims")
	}
	if claims.Aud == "" {
		return mdlerrors.Parse("key binding proof: aud claim is required")
	}
	if claims.Iat == 0 {
		return mdlerrors.Parse("key binding proof: iat claim is required")
	}

	return nil
}

// ExtractDeviceKey extracts the holder's public key from the proof's jwk
// header and converts it into the COSE_Key that belongs in DeviceKeyInfo.
// The jwk header parameter is required; kid-only proofs need the key
// resolved by the caller through some other channel before issuance.
func (p KeyBindingProof) ExtractDeviceKey() (*COSEKey, error) {
	header, err := p.decodeHeader()
	if err != nil {
		return nil, err
	}
	if header.Jwk == nil {
		return nil, mdlerrors.Parse("key binding proof: no jwk header parameter present")
	}

	x, err := base64.RawURLEncoding.DecodeString(header.Jwk.X)
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "key binding proof: decode jwk.x")
	}

	var y []byte
	if header.Jwk.Y != "" {
		y, err = base64.RawURLEncoding.DecodeString(header.Jwk.Y)
		if err != nil {
			return nil, mdlerrors.ParseWrap(err, "key binding proof: decode jwk.y")
		}
	}

	return NewCOSEKeyFromCoordinates(header.Jwk.Kty, header.Jwk.Crv, x, y)
}

func (p KeyBindingProof) decodeHeader() (*keyBindingHeader, error) {
	parts := strings.Split(string(p), ".")
	if len(parts) < 2 {
		return nil, mdlerrors.Parse("key binding proof: malformed JWT")
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, mdlerrors.ParseWrap(err, "key binding proof: decode header")
	}
	var header keyBindingHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, mdlerrors.ParseWrap(err, "key binding proof: parse header")
	}
	return &header, nil
}

// Verify checks the proof's signature against publicKey (typically the same
// key ExtractDeviceKey returned, converted back to a crypto.PublicKey) and
// validates the runtime claims named in opts.
func (p KeyBindingProof) Verify(publicKey crypto.PublicKey, opts *KeyBindingVerifyOptions) error {
	if err := p.Validate(); err != nil {
		return err
	}

	claims := jwtv5.MapClaims{}
	token, err := jwtv5.ParseWithClaims(string(p), claims, func(token *jwtv5.Token) (any, error) {
		alg, _ := token.Header["alg"].(string)
		if opts != nil && len(opts.SupportedAlgorithms) > 0 && !slices.Contains(opts.SupportedAlgorithms, alg) {
			return nil, mdlerrors.Crypto("key binding proof: alg %q not in supported set", alg)
		}

		if jwkMap, ok := token.Header["jwk"].(map[string]any); ok {
			if _, hasD := jwkMap["d"]; hasD {
				return nil, mdlerrors.Crypto("key binding proof: jwk header must not contain private key material")
			}
		}

		if opts != nil && opts.Audience != "" {
			aud, err := claims.GetAudience()
			if err != nil || !slices.Contains(aud, opts.Audience) {
				return nil, mdlerrors.Crypto("key binding proof: aud does not match expected audience")
			}
		}

		iat, err := claims.GetIssuedAt()
		if err != nil {
			return nil, mdlerrors.Crypto("key binding proof: failed to read iat")
		}
		if iat.Time.After(time.Now()) {
			return nil, mdlerrors.Crypto("key binding proof: iat is in the future")
		}

		if opts != nil && opts.CNonce != "" {
			nonce, _ := claims["nonce"].(string)
			if nonce != opts.CNonce {
				return nil, mdlerrors.Crypto("key binding proof: nonce does not match expected c_nonce")
			}
		}

		switch token.Method.(type) {
		case *jwtv5.SigningMethodECDSA, *jwtv5.SigningMethodEd25519:
		default:
			return nil, mdlerrors.Crypto("key binding proof: unsupported signing method %v", token.Header["alg"])
		}

		return publicKey, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return mdlerrors.Crypto("key binding proof: signature invalid")
	}
	return nil
}
