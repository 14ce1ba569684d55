package mesh

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// identityService owns the local node's ECDSA P-256 keypair and signs or
// verifies SignedBlob payloads on its behalf.
type identityService struct {
	dir    string
	nodeID string
	priv   *ecdsa.PrivateKey
	pub    *ecdsa.PublicKey
}

func newIdentityService(dir, nodeID string) (*identityService, error) {
	id := &identityService{dir: dir, nodeID: nodeID}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, newErr(KindStorage, "identity mkdir", err)
	}
	if err := id.loadOrGenerate(); err != nil {
		return nil, err
	}
	return id, nil
}

func (id *identityService) privPath() string {
	return filepath.Join(id.dir, id.nodeID+"_private.pem")
}

func (id *identityService) pubPath() string {
	return filepath.Join(id.dir, id.nodeID+"_public.pem")
}

func (id *identityService) loadOrGenerate() error {
	if _, err := os.Stat(id.privPath()); err == nil {
		return id.load()
	}
	return id.generate()
}

func (id *identityService) generate() error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return newErr(KindCrypto, "generate keypair", err)
	}
	id.priv = priv
	id.pub = &priv.PublicKey

	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return newErr(KindCrypto, "marshal private key", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(id.pub)
	if err != nil {
		return newErr(KindCrypto, "marshal public key", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := os.WriteFile(id.privPath(), privPEM, 0o600); err != nil {
		return newErr(KindStorage, "write private key", err)
	}
	if err := os.WriteFile(id.pubPath(), pubPEM, 0o644); err != nil {
		return newErr(KindStorage, "write public key", err)
	}
	log.WithField("node_id", id.nodeID).Info("generated new ECDSA identity")
	return nil
}

func (id *identityService) load() error {
	raw, err := os.ReadFile(id.privPath())
	if err != nil {
		return newErr(KindStorage, "read private key", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return newErr(KindCrypto, "decode private key pem", errBadPEM)
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return newErr(KindCrypto, "parse private key", err)
	}
	id.priv = priv
	id.pub = &priv.PublicKey
	return nil
}

// pubKeyPEM renders the given public key as a PEM string, used both for the
// local key and keys received from signed blobs.
func pubKeyPEM(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", newErr(KindCrypto, "marshal public key", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parsePubKeyPEM(pemStr string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, newErr(KindCrypto, "decode public key pem", errBadPEM)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, newErr(KindCrypto, "parse public key", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, newErr(KindCrypto, "parse public key", errNotECDSA)
	}
	return ecPub, nil
}

// sign wraps cleartext in a SignedBlob, computing the SHA-256 of the UTF-8
// cleartext and an ASN.1 DER ECDSA signature over that digest. The signer's
// own public key travels in the blob so a never-before-seen recipient can
// verify without an out-of-band exchange.
func (id *identityService) sign(cleartext string) (string, error) {
	if id.priv == nil {
		return "", newErr(KindConfig, "sign", errNoPrivateKey)
	}
	digest := sha256.Sum256([]byte(cleartext))
	sig, err := ecdsa.SignASN1(rand.Reader, id.priv, digest[:])
	if err != nil {
		return "", newErr(KindCrypto, "sign", err)
	}
	pubPEM, err := pubKeyPEM(id.pub)
	if err != nil {
		return "", err
	}
	blob := SignedBlob{
		Cleartext:       cleartext,
		SignerID:        id.nodeID,
		SignerPubKeyB64: base64.StdEncoding.EncodeToString([]byte(pubPEM)),
		SignatureB64:    base64.StdEncoding.EncodeToString(sig),
	}
	out, err := json.Marshal(blob)
	if err != nil {
		return "", newErr(KindDecode, "marshal signed blob", err)
	}
	return string(out), nil
}

// verify reports whether blobJSON carries a valid signature over its
// cleartext, returning the cleartext and signer id on success. Every
// failure mode — malformed JSON, bad key, bad signature — collapses to
// ok=false, per §4.2.
func verify(blobJSON string) (ok bool, cleartext, signerID, signerPubKeyPEM string) {
	var blob SignedBlob
	if err := json.Unmarshal([]byte(blobJSON), &blob); err != nil {
		return false, "", "", ""
	}
	pubPEMBytes, err := base64.StdEncoding.DecodeString(blob.SignerPubKeyB64)
	if err != nil {
		return false, "", "", ""
	}
	pub, err := parsePubKeyPEM(string(pubPEMBytes))
	if err != nil {
		return false, "", "", ""
	}
	sig, err := base64.StdEncoding.DecodeString(blob.SignatureB64)
	if err != nil {
		return false, "", "", ""
	}
	digest := sha256.Sum256([]byte(blob.Cleartext))
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return false, "", "", ""
	}
	return true, blob.Cleartext, blob.SignerID, string(pubPEMBytes)
}

var (
	errBadPEM       = fmt.Errorf("not a valid PEM block")
	errNotECDSA     = fmt.Errorf("public key is not ECDSA")
	errNoPrivateKey = fmt.Errorf("no private key loaded")
)
