// Package signing строит каноническую строку запроса провайдера и подписывает/проверяет ее.
//
// Каноническая строка: timestamp + "\n" + nonce + "\n" + body + "\n".
// Подпись считается по сырым байтам тела, до любого разбора JSON.
package signing

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iurnickita/paybooking/internal/signing/config"
)

const (
	HeaderTimestamp     = "BinancePay-Timestamp"
	HeaderNonce         = "BinancePay-Nonce"
	HeaderCertificateSN = "BinancePay-Certificate-SN"
	HeaderSignature     = "BinancePay-Signature"
)

const (
	AlgorithmRSA  = "RSA-SHA256"
	AlgorithmHMAC = "HMAC-SHA512"
)

const nonceBytes = 16

var (
	ErrAlgorithm = errors.New("unsupported signing algorithm")
	ErrKey       = errors.New("signing key is missing or malformed")
)

// Headers - транспортные заголовки подписи
type Headers struct {
	Timestamp     string
	Nonce         string
	CertificateSN string
	Signature     string
}

func HeadersFrom(h http.Header) Headers {
	return Headers{
		Timestamp:     h.Get(HeaderTimestamp),
		Nonce:         h.Get(HeaderNonce),
		CertificateSN: h.Get(HeaderCertificateSN),
		Signature:     h.Get(HeaderSignature),
	}
}

func (h Headers) Map() map[string]string {
	return map[string]string{
		HeaderTimestamp:     h.Timestamp,
		HeaderNonce:         h.Nonce,
		HeaderCertificateSN: h.CertificateSN,
		HeaderSignature:     h.Signature,
	}
}

// Payload возвращает каноническую строку для подписи
func Payload(timestamp, nonce string, body []byte) []byte {
	payload := make([]byte, 0, len(timestamp)+len(nonce)+len(body)+3)
	payload = append(payload, timestamp...)
	payload = append(payload, '\n')
	payload = append(payload, nonce...)
	payload = append(payload, '\n')
	payload = append(payload, body...)
	payload = append(payload, '\n')
	return payload
}

// NewNonce: 16 случайных байт в hex
func NewNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type Codec interface {
	// Sign подписывает тело исходящего запроса со свежими timestamp и nonce
	Sign(body []byte) (Headers, error)
	SignWith(timestamp, nonce string, body []byte) (Headers, error)
	// Verify проверяет входящее уведомление. Любая ошибка - false
	Verify(h Headers, body []byte) bool
}

type signer interface {
	sign(payload []byte) (string, error)
}

type verifier interface {
	verify(payload []byte, signature string) bool
}

type codec struct {
	signer   signer
	verifier verifier
	certSN   string
	maxSkew  time.Duration
	now      func() time.Time
}

func NewCodec(cfg config.Config) (Codec, error) {
	switch cfg.Algorithm {
	case AlgorithmRSA:
		var priv *rsa.PrivateKey
		var pub *rsa.PublicKey
		var err error
		if cfg.PrivateKey != "" {
			priv, err = ParsePrivateKey([]byte(cfg.PrivateKey))
			if err != nil {
				return nil, err
			}
		}
		if cfg.ProviderPublicKey != "" {
			pub, err = ParsePublicKey([]byte(cfg.ProviderPublicKey))
			if err != nil {
				return nil, err
			}
		}
		if priv == nil && pub == nil {
			return nil, ErrKey
		}
		return NewRSACodec(cfg.CertificateSN, priv, pub, cfg.MaxSkew), nil
	case AlgorithmHMAC:
		if cfg.SecretKey == "" {
			return nil, ErrKey
		}
		return NewHMACCodec(cfg.CertificateSN, []byte(cfg.SecretKey), cfg.MaxSkew), nil
	default:
		return nil, ErrAlgorithm
	}
}

// NewRSACodec: исходящие запросы подписываются ключом мерчанта, входящие проверяются публичным ключом провайдера
func NewRSACodec(certSN string, priv *rsa.PrivateKey, providerPub *rsa.PublicKey, maxSkew time.Duration) Codec {
	return &codec{
		signer:   rsaSigner{key: priv},
		verifier: rsaVerifier{key: providerPub},
		certSN:   certSN,
		maxSkew:  maxSkew,
		now:      time.Now,
	}
}

func NewHMACCodec(certSN string, secret []byte, maxSkew time.Duration) Codec {
	return &codec{
		signer:   hmacSigner{secret: secret},
		verifier: hmacSigner{secret: secret},
		certSN:   certSN,
		maxSkew:  maxSkew,
		now:      time.Now,
	}
}

func (c *codec) Sign(body []byte) (Headers, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Headers{}, err
	}
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	return c.SignWith(timestamp, nonce, body)
}

func (c *codec) SignWith(timestamp, nonce string, body []byte) (Headers, error) {
	signature, err := c.signer.sign(Payload(timestamp, nonce, body))
	if err != nil {
		return Headers{}, err
	}
	return Headers{
		Timestamp:     timestamp,
		Nonce:         nonce,
		CertificateSN: c.certSN,
		Signature:     signature,
	}, nil
}

func (c *codec) Verify(h Headers, body []byte) bool {
	if h.Timestamp == "" || h.Nonce == "" || h.Signature == "" {
		return false
	}
	millis, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return false
	}
	// окно повтора
	if c.maxSkew > 0 {
		skew := c.now().Sub(time.UnixMilli(millis))
		if skew < 0 {
			skew = -skew
		}
		if skew > c.maxSkew {
			return false
		}
	}
	return c.verifier.verify(Payload(h.Timestamp, h.Nonce, body), h.Signature)
}

// RSA

type rsaSigner struct {
	key *rsa.PrivateKey
}

func (s rsaSigner) sign(payload []byte) (string, error) {
	if s.key == nil {
		return "", ErrKey
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

type rsaVerifier struct {
	key *rsa.PublicKey
}

func (v rsaVerifier) verify(payload []byte, signature string) bool {
	if v.key == nil {
		return false
	}
	sig, err := base64.StdEncoding.Strict().DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], sig) == nil
}

// HMAC: hex в верхнем регистре, сравнение за постоянное время

type hmacSigner struct {
	secret []byte
}

func (s hmacSigner) mac(payload []byte) []byte {
	m := hmac.New(sha512.New, s.secret)
	m.Write(payload)
	return m.Sum(nil)
}

func (s hmacSigner) sign(payload []byte) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrKey
	}
	return strings.ToUpper(hex.EncodeToString(s.mac(payload))), nil
}

func (s hmacSigner) verify(payload []byte, signature string) bool {
	if len(s.secret) == 0 {
		return false
	}
	want := strings.ToUpper(hex.EncodeToString(s.mac(payload)))
	return hmac.Equal([]byte(want), []byte(signature))
}

// Ключи в PEM

func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrKey
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, ErrKey
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrKey
	}
	return key, nil
}

// ParsePublicKey принимает PKIX, PKCS1 или сертификат
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrKey
	}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, ErrKey
		}
		key, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, ErrKey
		}
		return key, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, ErrKey
		}
		return key, nil
	default:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, ErrKey
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, ErrKey
		}
		return key, nil
	}
}
