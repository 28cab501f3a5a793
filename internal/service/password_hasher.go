package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/auth-gateway/internal/models"
	"github.com/noah-isme/auth-gateway/pkg/config"
)

const (
	argon2Threads = 2
	argon2SaltLen = 16
	argon2KeyLen  = 32
	argon2Prefix  = "$argon2id$"

	// Stored argon2id hashes may cost at most argon2CostFactor times the larger of the current
	// policy and these baselines.
	argon2BaselineTime     = 3
	argon2BaselineMemoryKB = 64 * 1024
	argon2CostFactor       = 4
)

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Verify returns (false, nil) on mismatch and ErrCorruptCredential for an unparseable hash.
	Verify(password, hash string) (bool, error)
	// NeedsRehash reports whether hash was produced under a different policy than the current one.
	NeedsRehash(hash string) bool
}

// PolicyHasher hashes with the configured algorithm and verifies either bcrypt or argon2id hashes.
type PolicyHasher struct {
	algorithm      string
	bcryptCost     int
	argon2Time     uint32
	argon2MemoryKB uint32
}

// NewPasswordHasher builds a hasher from configuration.
func NewPasswordHasher(cfg config.PasswordConfig) (*PolicyHasher, error) {
	h := &PolicyHasher{
		algorithm:      cfg.Algorithm,
		bcryptCost:     cfg.BcryptCost,
		argon2Time:     cfg.Argon2Time,
		argon2MemoryKB: cfg.Argon2MemoryKB,
	}
	if h.algorithm == "" {
		h.algorithm = config.HashBcrypt
	}
	switch h.algorithm {
	case config.HashBcrypt:
		if h.bcryptCost == 0 {
			h.bcryptCost = bcrypt.DefaultCost
		}
		if h.bcryptCost < bcrypt.MinCost || h.bcryptCost > bcrypt.MaxCost {
			return nil, fmt.Errorf("bcrypt cost %d out of range", h.bcryptCost)
		}
	case config.HashArgon2id:
		if h.argon2Time == 0 || h.argon2MemoryKB == 0 {
			return nil, errors.New("argon2id time and memory must be positive")
		}
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", h.algorithm)
	}
	return h, nil
}

// Hash produces a salted hash of password under the current policy.
func (h *PolicyHasher) Hash(password string) (string, error) {
	if h.algorithm == config.HashArgon2id {
		return h.hashArgon2id(password)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(hash), nil
}

// Verify checks password against hash in constant time.
func (h *PolicyHasher) Verify(password, hash string) (bool, error) {
	if strings.HasPrefix(hash, argon2Prefix) {
		return h.verifyArgon2id(password, hash)
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", models.ErrCorruptCredential, err)
	}
}

// NeedsRehash reports whether hash should be replaced on the next successful login.
func (h *PolicyHasher) NeedsRehash(hash string) bool {
	if strings.HasPrefix(hash, argon2Prefix) {
		if h.algorithm != config.HashArgon2id {
			return true
		}
		params, err := parseArgon2id(hash)
		if err != nil {
			return false
		}
		return params.time != h.argon2Time || params.memory != h.argon2MemoryKB
	}

	if h.algorithm != config.HashBcrypt {
		return true
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return cost != h.bcryptCost
}

func (h *PolicyHasher) hashArgon2id(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("argon2id salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.argon2Time, h.argon2MemoryKB, argon2Threads, argon2KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.argon2MemoryKB,
		h.argon2Time,
		argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func parseArgon2id(encoded string) (*argon2Params, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, fmt.Errorf("%w: invalid argon2id format", models.ErrCorruptCredential)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported argon2 version", models.ErrCorruptCredential)
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptCredential, err)
	}
	if threads == 0 || threads > 255 || time == 0 || memory == 0 {
		return nil, fmt.Errorf("%w: argon2id parameters out of range", models.ErrCorruptCredential)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptCredential, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptCredential, err)
	}
	if len(key) == 0 || len(key) > 1024 {
		return nil, fmt.Errorf("%w: invalid key length %d", models.ErrCorruptCredential, len(key))
	}

	return &argon2Params{memory: memory, time: time, threads: uint8(threads), salt: salt, key: key}, nil
}

func (h *PolicyHasher) verifyArgon2id(password, encoded string) (bool, error) {
	p, err := parseArgon2id(encoded)
	if err != nil {
		return false, err
	}
	maxTime, maxMemory := h.argon2Limits()
	if p.time > maxTime || p.memory > maxMemory {
		return false, fmt.Errorf("%w: argon2id cost m=%d,t=%d above limit m=%d,t=%d",
			models.ErrCorruptCredential, p.memory, p.time, maxMemory, maxTime)
	}
	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(computed, p.key) == 1, nil
}

func (h *PolicyHasher) argon2Limits() (uint32, uint32) {
	t, m := uint32(argon2BaselineTime), uint32(argon2BaselineMemoryKB)
	if h.argon2Time > t {
		t = h.argon2Time
	}
	if h.argon2MemoryKB > m {
		m = h.argon2MemoryKB
	}
	return t * argon2CostFactor, m * argon2CostFactor
}
