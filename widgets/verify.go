package widgets

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	embedTokenPrefix = "wk_"
	verifyCacheTTL   = time.Hour
)

// MintEmbedToken returns a fresh raw token with its bcrypt hash. Only
// the hash is stored; the raw value is shown once at mint time.
func MintEmbedToken() (raw, hash string, err error) {
	raw = embedTokenPrefix + uuid.NewString()
	digest, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("widgets: hash embed token: %w", err)
	}
	return raw, string(digest), nil
}

// TokenVerifier checks presented embed tokens against a widget's stored
// hash. Verdicts are memoized in redis so a chatty embed costs one GET
// per turn instead of one bcrypt compare.
type TokenVerifier struct {
	redis *redis.Client
}

// NewTokenVerifier builds a verifier. A nil redis client disables
// memoization, not verification.
func NewTokenVerifier(rdb *redis.Client) *TokenVerifier {
	return &TokenVerifier{redis: rdb}
}

func verifyCacheKey(widgetID uint64, token string) string {
	return fmt.Sprintf("widget_embed_ok:%d:%016x", widgetID, xxhash.Sum64String(token))
}

// Verify reports whether raw matches the widget's embed token. Absent
// tokens and widgets that never minted one verify false.
func (v *TokenVerifier) Verify(ctx context.Context, w *Widget, raw string) bool {
	raw = strings.TrimSpace(raw)
	if w == nil || raw == "" || w.EmbedTokenHash == "" {
		return false
	}

	key := verifyCacheKey(w.ID, raw)
	if v != nil && v.redis != nil {
		if cached, err := v.redis.Get(ctx, key).Result(); err == nil {
			return cached == "1"
		}
	}

	ok := bcrypt.CompareHashAndPassword([]byte(w.EmbedTokenHash), []byte(raw)) == nil

	if v != nil && v.redis != nil {
		verdict := "0"
		if ok {
			verdict = "1"
		}
		if err := v.redis.Set(ctx, key, verdict, verifyCacheTTL).Err(); err != nil {
			log.Printf("widgets: cache embed token verdict for widget %d: %v", w.ID, err)
		}
	}
	return ok
}
