package shield

import (
	"crypto/subtle"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/tagflow/kit"
)

// APIKeyHeader is the header workers present their shared key in.
const APIKeyHeader = "X-Api-Key"

// RobotActor is the actor recorded for requests authenticated by API key.
const RobotActor = "robot"

// KeyChecker verifies the robot API key against either a plain shared
// secret or a bcrypt hash of it. A checker with neither configured rejects
// every key.
type KeyChecker struct {
	plain []byte
	hash  []byte

	// bcrypt costs tens of milliseconds; keys that already matched the hash
	// are remembered.
	ok sync.Map
}

// NewKeyChecker builds a checker. When both are set the hash wins.
func NewKeyChecker(plain, bcryptHash string) *KeyChecker {
	k := &KeyChecker{}
	if bcryptHash != "" {
		k.hash = []byte(bcryptHash)
	} else if plain != "" {
		k.plain = []byte(plain)
	}
	return k
}

// Configured reports whether a key or hash was provided.
func (k *KeyChecker) Configured() bool {
	return len(k.plain) > 0 || len(k.hash) > 0
}

// Check reports whether key is the robot API key.
func (k *KeyChecker) Check(key string) bool {
	if key == "" {
		return false
	}
	if len(k.hash) > 0 {
		if _, hit := k.ok.Load(key); hit {
			return true
		}
		if bcrypt.CompareHashAndPassword(k.hash, []byte(key)) != nil {
			return false
		}
		k.ok.Store(key, struct{}{})
		return true
	}
	if len(k.plain) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(k.plain, []byte(key)) == 1
}

// APIKey guards worker endpoints: a missing key is 401, a wrong key 403.
// Authenticated requests carry RobotActor as the context actor.
func APIKey(k *KeyChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				WriteError(w, http.StatusUnauthorized, "API key is required")
				return
			}
			if !k.Check(key) {
				GetLogger(r.Context()).Warn("shield: invalid api key")
				WriteError(w, http.StatusForbidden, "invalid API key")
				return
			}
			ctx := kit.WithActor(r.Context(), RobotActor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
