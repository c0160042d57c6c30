// internal/signer/acme.go
package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dalemusser/sslmgr/internal/dnscheck"
	"github.com/dalemusser/sslmgr/internal/dnspush"
	"github.com/dalemusser/sslmgr/internal/pki"
	"github.com/dalemusser/sslmgr/pantry/fileutil"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
)

// StagingURL is the Let's Encrypt staging directory used with --test.
const StagingURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

// acmeClient is the part of acme.Client the signer uses.
type acmeClient interface {
	Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error)
	GetReg(ctx context.Context, url string) (*acme.Account, error)
	AuthorizeOrder(ctx context.Context, id []acme.AuthzID, opt ...acme.OrderOption) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	DNS01ChallengeRecord(token string) (string, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	CreateOrderCert(ctx context.Context, url string, csr []byte, bundle bool) (der [][]byte, certURL string, err error)
}

// ACMESigner runs a DNS-01 order itself. Challenges for every domain are
// published in one push, checked on all authoritative nameservers, then
// accepted. The service's CSR is finalized as is.
type ACMESigner struct {
	Pusher    dnspush.Pusher
	Checker   *dnscheck.Checker
	Authority func(ctx context.Context, apex string) (*dnscheck.Authority, error)
	Test      bool
	Logger    *zap.Logger

	newClient func(key crypto.Signer, directory string) acmeClient
}

// acmeAccount is the cached account.
type acmeAccount struct {
	URI string `json:"uri"`
}

type pendingChallenge struct {
	authzURL string
	chal     *acme.Challenge
}

func (s *ACMESigner) Sign(ctx context.Context, req Request) (Result, error) {
	log := s.logger()
	if req.CA.ChallengeType() != "dns" {
		return Result{}, fmt.Errorf("acme: %s: only dns-01 is supported, use ca_type certbot for %s", req.CA.Name, req.CA.Validation)
	}
	if s.Pusher == nil || s.Checker == nil || s.Authority == nil {
		return Result{}, errors.New("acme: dns pusher and checker are required")
	}
	csr, err := pki.ParseCSR(req.CSRPEM)
	if err != nil {
		return Result{}, err
	}

	directory := DirectoryURL(req.CA.ACMEDirectory, s.Test)
	accountDir := filepath.Join(req.CBDir, "acme", directoryHost(directory))
	if err := os.MkdirAll(accountDir, 0o700); err != nil {
		return Result{}, fmt.Errorf("acme: create account dir: %w", err)
	}
	key, err := loadOrCreateAccountKey(accountDir, log)
	if err != nil {
		return Result{}, fmt.Errorf("acme: account key: %w", err)
	}
	client := s.client(key, directory)
	email := req.CA.ACMEEmail
	if email == "" {
		email = req.Conf.X509.Email
	}
	if err := ensureAccount(ctx, client, accountDir, email, log); err != nil {
		return Result{}, fmt.Errorf("acme: account: %w", err)
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(req.Domains()...))
	if err != nil {
		return Result{}, fmt.Errorf("acme: authorize order: %w", err)
	}
	if order == nil {
		return Result{}, errors.New("acme: ACME server returned nil order")
	}

	var pending []pendingChallenge
	var chs []dnscheck.Challenge
	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return Result{}, fmt.Errorf("acme: get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}
		var chal *acme.Challenge
		for _, c := range authz.Challenges {
			if c.Type == "dns-01" {
				chal = c
				break
			}
		}
		if chal == nil {
			return Result{}, fmt.Errorf("acme: no dns-01 challenge for %s", authz.Identifier.Value)
		}
		value, err := client.DNS01ChallengeRecord(chal.Token)
		if err != nil {
			return Result{}, fmt.Errorf("acme: compute challenge record: %w", err)
		}
		pending = append(pending, pendingChallenge{authzURL: authzURL, chal: chal})
		chs = append(chs, dnscheck.Challenge{Domain: authz.Identifier.Value, Validation: value})
	}

	if len(chs) > 0 {
		if err := s.validate(ctx, req.Group, chs, log); err != nil {
			return Result{}, err
		}
		defer func() {
			if err := s.Pusher.ClearChallenges(ctx, req.Group); err != nil {
				log.Warn("failed to clear DNS challenges", zap.String("apex", req.Group), zap.Error(err))
			}
		}()
		for _, p := range pending {
			if _, err := client.Accept(ctx, p.chal); err != nil {
				return Result{}, fmt.Errorf("acme: accept challenge: %w", err)
			}
		}
		for _, p := range pending {
			if _, err := client.WaitAuthorization(ctx, p.authzURL); err != nil {
				return Result{}, fmt.Errorf("acme: wait authorization: %w", err)
			}
		}
	}

	der, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr.Raw, true)
	if err != nil {
		return Result{}, fmt.Errorf("acme: finalize order: %w", err)
	}
	if len(der) == 0 || len(der[0]) == 0 {
		return Result{}, errors.New("acme: ACME server returned empty certificate chain")
	}
	if req.CA.PreferredChain != "" {
		checkPreferredChain(der, req.CA.PreferredChain, log)
	}

	res := Result{Cert: encodeDER(der[:1])}
	res.Chain = encodeDER(der[1:])
	res.Fullchain = encodeDER(der)
	log.Info("obtained certificate", zap.String("group", req.Group), zap.String("service", req.Service), zap.Strings("domains", req.Domains()))
	return res, nil
}

// validate publishes the challenges and waits until every nameserver of
// the apex serves them.
func (s *ACMESigner) validate(ctx context.Context, apex string, chs []dnscheck.Challenge, log *zap.Logger) error {
	if err := s.Pusher.PushChallenges(ctx, apex, chs); err != nil {
		return fmt.Errorf("acme: push challenges: %w", err)
	}
	auth, err := s.Authority(ctx, apex)
	if err != nil {
		return fmt.Errorf("acme: dns authority %s: %w", apex, err)
	}
	log.Info("waiting for nameservers", zap.String("apex", apex), zap.Int("challenges", len(chs)))
	if err := s.Checker.CheckACMEChallenges(ctx, auth, chs); err != nil {
		if cerr := s.Pusher.ClearChallenges(ctx, apex); cerr != nil {
			log.Debug("failed to clear DNS challenges after check error", zap.String("apex", apex), zap.Error(cerr))
		}
		return fmt.Errorf("acme: %w", err)
	}
	return nil
}

func (s *ACMESigner) client(key crypto.Signer, directory string) acmeClient {
	if s.newClient != nil {
		return s.newClient(key, directory)
	}
	return &acme.Client{Key: key, DirectoryURL: directory}
}

func (s *ACMESigner) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// DirectoryURL returns the ACME directory, Let's Encrypt by default, and
// the staging directory in test mode when the default is in use.
func DirectoryURL(configured string, test bool) string {
	dir := configured
	if dir == "" {
		dir = acme.LetsEncryptURL
	}
	if test && dir == acme.LetsEncryptURL {
		return StagingURL
	}
	return dir
}

func directoryHost(directory string) string {
	u, err := url.Parse(directory)
	if err != nil || u.Host == "" {
		return "default"
	}
	return u.Host
}

// checkPreferredChain reports whether the default chain is the preferred
// one. Alternate chains are only requested by the certbot back end, which
// passes --preferred-chain.
func checkPreferredChain(der [][]byte, name string, log *zap.Logger) bool {
	if chainMatches(der, name) {
		return true
	}
	log.Warn("preferred chain is not the default chain; ca_preferred_chain is only honoured by certbot, using default",
		zap.String("preferred", name))
	return false
}

func chainMatches(der [][]byte, name string) bool {
	if len(der) == 0 {
		return false
	}
	top, err := x509.ParseCertificate(der[len(der)-1])
	if err != nil {
		return false
	}
	return top.Issuer.CommonName == name || top.Subject.CommonName == name
}

func encodeDER(der [][]byte) []byte {
	var out []byte
	for _, b := range der {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b})...)
	}
	return out
}

// ensureAccount reuses the cached account when the server still knows it,
// otherwise registers one.
func ensureAccount(ctx context.Context, client acmeClient, dir, email string, log *zap.Logger) error {
	if acc, err := loadAccount(dir); err == nil && acc.URI != "" {
		if verified, err := client.GetReg(ctx, acc.URI); err == nil && verified != nil {
			log.Debug("loaded ACME account from cache", zap.String("uri", acc.URI))
			return nil
		}
		log.Debug("cached ACME account invalid, will re-register", zap.String("uri", acc.URI))
	}

	account := &acme.Account{}
	if email != "" {
		account.Contact = []string{"mailto:" + email}
	}
	registered, err := client.Register(ctx, account, acme.AcceptTOS)
	if err != nil {
		if !isAccountExists(err) {
			return fmt.Errorf("register account: %w", err)
		}
		existing, getErr := client.GetReg(ctx, "")
		if getErr != nil {
			return fmt.Errorf("get existing account: %w", getErr)
		}
		if existing == nil || existing.URI == "" {
			return errors.New("ACME server returned existing account without URI")
		}
		registered = existing
	}
	if registered == nil || registered.URI == "" {
		return errors.New("ACME registration succeeded but returned no account URI")
	}
	if err := saveAccount(dir, &acmeAccount{URI: registered.URI}); err != nil {
		log.Warn("failed to cache ACME account", zap.Error(err))
	}
	log.Info("registered ACME account", zap.String("email", email), zap.String("uri", registered.URI))
	return nil
}

func isAccountExists(err error) bool {
	return errors.Is(err, acme.ErrAccountAlreadyExists) ||
		strings.Contains(err.Error(), "already exists")
}

// loadOrCreateAccountKey loads the ECDSA account key, generating and
// saving a new one when the file is missing or unusable.
func loadOrCreateAccountKey(dir string, log *zap.Logger) (crypto.Signer, error) {
	keyPath := filepath.Join(dir, "account.key")
	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		if block, _ := pem.Decode(data); block != nil && block.Type == "EC PRIVATE KEY" {
			key, parseErr := x509.ParseECPrivateKey(block.Bytes)
			if parseErr == nil {
				return key, nil
			}
			log.Warn("cached account key unusable; generating new key", zap.String("path", keyPath), zap.Error(parseErr))
		} else {
			log.Warn("cached account key has no EC PRIVATE KEY block; generating new key", zap.String("path", keyPath))
		}
	case !os.IsNotExist(err):
		log.Warn("failed to read cached account key; generating new key", zap.String("path", keyPath), zap.Error(err))
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := fileutil.WriteAtomic(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write account key: %w", err)
	}
	return key, nil
}

func loadAccount(dir string) (*acmeAccount, error) {
	data, err := os.ReadFile(filepath.Join(dir, "account.json"))
	if err != nil {
		return nil, err
	}
	var acc acmeAccount
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	if acc.URI != "" {
		u, err := url.Parse(acc.URI)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return nil, fmt.Errorf("cached account URI must be HTTPS with a host: %s", acc.URI)
		}
	}
	return &acc, nil
}

func saveAccount(dir string, acc *acmeAccount) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(filepath.Join(dir, "account.json"), data, 0o600)
}
