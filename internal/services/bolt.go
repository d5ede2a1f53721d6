package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/ircad-africa/sofia-web/internal/identity"
)

// BoltIdentity implements identity.Backend for self-hosted deployments. Accounts are kept in a BoltDB
// file with bcrypt password hashes, and sessions are HS256 JWTs whose IDs are recorded on logout so
// they cannot be reused.
type BoltIdentity struct {
	db     *bolt.DB
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	logger *slog.Logger
}

type boltUser struct {
	ID           string            `json:"id"`
	Email        string            `json:"email"`
	PasswordHash []byte            `json:"passwordHash"`
	Metadata     identity.Metadata `json:"metadata"`
	CreatedAt    time.Time         `json:"createdAt"`
}

var (
	usersBucket   = []byte("users")
	userIDsBucket = []byte("user_ids")
	revokedBucket = []byte("revoked")
)

const boltTokenIssuer = "sofia-web"

// NewBoltIdentity opens the BoltDB file at path, creating it with 0600 permissions and the required
// buckets if needed. Tokens are signed with secret and expire after ttl.
func NewBoltIdentity(path string, secret []byte, ttl time.Duration, logger *slog.Logger) (BoltIdentity, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltIdentity{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, userIDsBucket, revokedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return indexUserIDs(tx)
	})
	if err != nil {
		db.Close()
		return BoltIdentity{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltIdentity{
		db:     db,
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With(slog.String("module", "bolt-identity")),
	}, nil
}

// Close closes the underlying database.
func (b BoltIdentity) Close() error {
	return b.db.Close()
}

// SignUp stores a new account and issues a session for it.
func (b BoltIdentity) SignUp(_ context.Context, params identity.SignUpParams) (identity.AuthResult, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		return identity.AuthResult{}, fmt.Errorf("failed to hash password: %w", err)
	}

	u := boltUser{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(params.Email),
		PasswordHash: hash,
		Metadata:     params.Metadata,
		CreatedAt:    b.now(),
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(usersBucket)
		if bkt.Get([]byte(u.Email)) != nil {
			return identity.ErrUserExists
		}
		v, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		if err := bkt.Put([]byte(u.Email), v); err != nil {
			return err
		}
		return tx.Bucket(userIDsBucket).Put([]byte(u.ID), []byte(u.Email))
	})
	if err != nil {
		return identity.AuthResult{}, err
	}

	b.logger.Info("Account created", slog.String("userID", u.ID))
	return b.issue(u)
}

// SignIn verifies the password against the stored hash.
func (b BoltIdentity) SignIn(_ context.Context, email, password string) (identity.AuthResult, error) {
	u, err := b.userByEmail(strings.ToLower(email))
	if err != nil {
		return identity.AuthResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return identity.AuthResult{}, identity.ErrInvalidCredentials
	}
	return b.issue(u)
}

// SignOut revokes the token. Invalid or expired tokens are already unusable and are ignored.
func (b BoltIdentity) SignOut(_ context.Context, accessToken string) error {
	claims, err := b.parse(accessToken)
	if err != nil {
		return nil
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		exp, err := claims.ExpiresAt.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal expiry: %w", err)
		}
		return tx.Bucket(revokedBucket).Put([]byte(claims.ID), exp)
	})
}

// User resolves the account owning a valid, unrevoked token.
func (b BoltIdentity) User(_ context.Context, accessToken string) (identity.Record, error) {
	claims, err := b.parse(accessToken)
	if err != nil {
		return identity.Record{}, err
	}

	var u boltUser
	err = b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(revokedBucket).Get([]byte(claims.ID)) != nil {
			return identity.ErrSessionExpired
		}

		email := tx.Bucket(userIDsBucket).Get([]byte(claims.Subject))
		if email == nil {
			return identity.ErrSessionExpired
		}
		v := tx.Bucket(usersBucket).Get(email)
		if v == nil {
			return identity.ErrSessionExpired
		}
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		return nil
	})
	if err != nil {
		return identity.Record{}, err
	}

	return u.record(), nil
}

// PurgeRevoked removes revocation entries whose tokens have expired anyway.
func (b BoltIdentity) PurgeRevoked() (int, error) {
	now := b.now()
	purged := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(revokedBucket)
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var exp jwt.NumericDate
			if err := exp.UnmarshalJSON(v); err != nil || exp.Before(now) {
				if err := c.Delete(); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	return purged, err
}

// indexUserIDs adds missing user ID entries for accounts stored before the index existed.
func indexUserIDs(tx *bolt.Tx) error {
	ids := tx.Bucket(userIDsBucket)
	return tx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
		var u boltUser
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		if ids.Get([]byte(u.ID)) != nil {
			return nil
		}
		return ids.Put([]byte(u.ID), k)
	})
}

func (b BoltIdentity) userByEmail(email string) (boltUser, error) {
	var u boltUser
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(usersBucket).Get([]byte(email))
		if v == nil {
			return identity.ErrInvalidCredentials
		}
		return json.Unmarshal(v, &u)
	})
	return u, err
}

func (b BoltIdentity) issue(u boltUser) (identity.AuthResult, error) {
	now := b.now()
	exp := now.Add(b.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    boltTokenIssuer,
		Subject:   u.ID,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return identity.AuthResult{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return identity.AuthResult{User: u.record(), AccessToken: signed, ExpiresAt: exp}, nil
}

func (b BoltIdentity) parse(accessToken string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(accessToken, claims, func(*jwt.Token) (any, error) {
		return b.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(boltTokenIssuer),
		jwt.WithTimeFunc(b.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, identity.ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %w", identity.ErrSessionExpired, err)
	}
	return claims, nil
}

func (u boltUser) record() identity.Record {
	return identity.Record{ID: u.ID, Email: u.Email, Metadata: u.Metadata}
}
