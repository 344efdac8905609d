package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/cuemby/tenement/pkg/errdefs"
	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/types"
)

// TokenPrefix identifies Tenement bearer tokens.
const TokenPrefix = "tnm_"

// Argon2id parameters. Interactive-grade: token verification happens on
// every control-API request.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// GenerateToken produces a URL-safe random token with 192 bits of
// entropy. The raw token is shown once; only its hash is stored.
func GenerateToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken hashes a token with Argon2id and returns the PHC string form.
func HashToken(token string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to read salt: %w", err)
	}
	key := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

type phcHash struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func parsePHC(s string) (*phcHash, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, fmt.Errorf("not an argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, fmt.Errorf("bad version field: %w", err)
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("unsupported argon2 version %d", version)
	}
	h := &phcHash{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.time, &h.threads); err != nil {
		return nil, fmt.Errorf("bad parameter field: %w", err)
	}
	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("bad salt: %w", err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, fmt.Errorf("bad key: %w", err)
	}
	return h, nil
}

// verifyHash recomputes the hash under the stored parameters and compares
// in constant time.
func verifyHash(token, phc string) (bool, error) {
	h, err := parsePHC(phc)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(token), h.salt, h.time, h.memory, h.threads, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(key, h.key) == 1, nil
}

// TokenStore is the slice of the store the verifier reads.
type TokenStore interface {
	ListTokens(ctx context.Context) ([]types.TokenRecord, error)
	TouchTokenLastUsed(ctx context.Context, id string, at time.Time) error
}

// Verifier checks presented tokens against every live stored hash.
type Verifier struct {
	store TokenStore
}

// NewVerifier creates a verifier backed by the token store.
func NewVerifier(store TokenStore) *Verifier {
	return &Verifier{store: store}
}

// Verify compares the presented token against every live hash and returns
// the matching record. Expired tokens never match. Each comparison is
// constant-time per hash; all hashes are visited so rejection cost does
// not depend on which token exists.
func (v *Verifier) Verify(ctx context.Context, token string) (*types.TokenRecord, error) {
	tokens, err := v.store.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}

	now := time.Now()
	var matched *types.TokenRecord
	for i := range tokens {
		t := tokens[i]
		ok, err := verifyHash(token, t.Hash)
		if err != nil {
			// Never at info: a corrupt hash is an operator problem, not
			// request traffic.
			log.WithComponent("auth").Debug().Err(err).Str("token_id", t.ID).Msg("unparseable token hash")
			continue
		}
		if ok && !t.Expired(now) && matched == nil {
			matched = &t
		}
	}

	if matched == nil {
		return nil, errdefs.ErrUnauthorized
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = v.store.TouchTokenLastUsed(ctx, matched.ID, now)
	}()

	return matched, nil
}
