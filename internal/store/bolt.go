package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	boltFilePerm    = 0o600
	boltOpenTimeout = 5 * time.Second
)

var (
	usersBucket          = []byte("users")
	providerTokensBucket = []byte("provider_tokens")
	apiKeysBucket        = []byte("api_keys")
	apiKeyUsageBucket    = []byte("api_key_usage")
	adminTokensBucket    = []byte("admin_tokens")
	adminUsageBucket     = []byte("admin_token_usage")
	provisionedBucket    = []byte("admin_provisioned_keys")
	clientsBucket        = []byte("a2a_clients")
	sessionsBucket       = []byte("a2a_sessions")
	tasksBucket          = []byte("a2a_tasks")
	a2aUsageBucket       = []byte("a2a_usage")
	userUsageBucket      = []byte("user_usage")
)

// BoltDB stores each entity as JSON in its own bucket. Usage rows live in
// per-subject nested buckets keyed by timestamp then sequence, so window
// queries seek instead of scanning. Audit rows are keyed by sequence.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens or creates the database file at path.
func NewBoltDB(path string) (*BoltDB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating bolt directory: %w", err)
		}
	}
	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			usersBucket, providerTokensBucket, apiKeysBucket, apiKeyUsageBucket,
			adminTokensBucket, adminUsageBucket, provisionedBucket,
			clientsBucket, sessionsBucket, tasksBucket, a2aUsageBucket, userUsageBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (s *BoltDB) Ping(context.Context) error {
	if err := s.db.View(func(*bolt.Tx) error { return nil }); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *BoltDB) Close() error { return s.db.Close() }

// wrap passes through the row-level sentinels and marks everything else
// as a storage fault.
func wrap(op string, err error) error {
	if err == nil || errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrConflict) {
		return err
	}
	return unavailable(op, err)
}

func (s *BoltDB) update(op string, fn func(tx *bolt.Tx) error) error {
	return wrap(op, s.db.Update(fn))
}

func (s *BoltDB) view(op string, fn func(tx *bolt.Tx) error) error {
	return wrap(op, s.db.View(fn))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func getJSON[T any](b *bolt.Bucket, key, what string) (*T, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, notFound(what)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", what, err)
	}
	return &v, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding: %w", err)
	}
	return b.Put([]byte(key), raw)
}

func scanJSON[T any](b *bolt.Bucket, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := b.ForEach(func(_, raw []byte) error {
		if raw == nil {
			return nil
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if keep(&v) {
			out = append(out, &v)
		}
		return nil
	})
	return out, err
}

// mutate loads a row, applies fn and writes it back.
func mutate[T any](b *bolt.Bucket, key, what string, fn func(*T)) error {
	v, err := getJSON[T](b, key, what)
	if err != nil {
		return err
	}
	fn(v)
	return putJSON(b, key, v)
}

// Users

func (s *BoltDB) CreateUser(_ context.Context, u *models.User) error {
	return s.update("create user", func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b.Get([]byte(u.ID)) != nil {
			return conflict("user")
		}
		dup, err := scanJSON(b, func(x *models.User) bool { return strings.EqualFold(x.Email, u.Email) })
		if err != nil {
			return err
		}
		if len(dup) > 0 {
			return conflict("user email")
		}
		return putJSON(b, u.ID, u)
	})
}

func (s *BoltDB) GetUser(_ context.Context, id string) (*models.User, error) {
	var u *models.User
	err := s.view("get user", func(tx *bolt.Tx) error {
		var err error
		u, err = getJSON[models.User](tx.Bucket(usersBucket), id, "user")
		return err
	})
	return u, err
}

func (s *BoltDB) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	var u *models.User
	err := s.view("get user", func(tx *bolt.Tx) error {
		found, err := scanJSON(tx.Bucket(usersBucket), func(x *models.User) bool { return strings.EqualFold(x.Email, email) })
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return notFound("user")
		}
		u = found[0]
		return nil
	})
	return u, err
}

func (s *BoltDB) UpdateUserTier(_ context.Context, id string, tier models.UserTier) error {
	return s.update("update user", func(tx *bolt.Tx) error {
		return mutate(tx.Bucket(usersBucket), id, "user", func(u *models.User) { u.Tier = tier })
	})
}

func (s *BoltDB) TouchUser(_ context.Context, id string, at time.Time) error {
	return s.update("update user", func(tx *bolt.Tx) error {
		return mutate(tx.Bucket(usersBucket), id, "user", func(u *models.User) { u.LastActive = at })
	})
}

func (s *BoltDB) CountUsers(context.Context) (int64, error) {
	var n int64
	err := s.view("count users", func(tx *bolt.Tx) error {
		n = int64(tx.Bucket(usersBucket).Stats().KeyN)
		return nil
	})
	return n, err
}

// Provider tokens

func (s *BoltDB) UpsertProviderToken(_ context.Context, pt *models.ProviderToken) error {
	return s.update("upsert provider token", func(tx *bolt.Tx) error {
		if tx.Bucket(usersBucket).Get([]byte(pt.UserID)) == nil {
			return notFound("user")
		}
		return putJSON(tx.Bucket(providerTokensBucket), providerKey(pt.UserID, pt.Provider), pt)
	})
}

func (s *BoltDB) GetProviderToken(_ context.Context, userID, provider string) (*models.ProviderToken, error) {
	var pt *models.ProviderToken
	err := s.view("get provider token", func(tx *bolt.Tx) error {
		var err error
		pt, err = getJSON[models.ProviderToken](tx.Bucket(providerTokensBucket), providerKey(userID, provider), "provider token")
		return err
	})
	return pt, err
}

func (s *BoltDB) DeleteProviderToken(_ context.Context, userID, provider string) error {
	return s.update("delete provider token", func(tx *bolt.Tx) error {
		b := tx.Bucket(providerTokensBucket)
		k := []byte(providerKey(userID, provider))
		if b.Get(k) == nil {
			return notFound("provider token")
		}
		return b.Delete(k)
	})
}

// API keys

func (s *BoltDB) CreateAPIKey(_ context.Context, k *models.APIKey) error {
	return s.update("create api key", func(tx *bolt.Tx) error {
		if tx.Bucket(usersBucket).Get([]byte(k.UserID)) == nil {
			return notFound("user")
		}
		b := tx.Bucket(apiKeysBucket)
		if b.Get([]byte(k.ID)) != nil {
			return conflict("api key")
		}
		dup, err := scanJSON(b, func(x *models.APIKey) bool { return x.KeyHash == k.KeyHash })
		if err != nil {
			return err
		}
		if len(dup) > 0 {
			return conflict("api key hash")
		}
		return putJSON(b, k.ID, k)
	})
}

func (s *BoltDB) GetAPIKey(_ context.Context, id string) (*models.APIKey, error) {
	var k *models.APIKey
	err := s.view("get api key", func(tx *bolt.Tx) error {
		var err error
		k, err = getJSON[models.APIKey](tx.Bucket(apiKeysBucket), id, "api key")
		return err
	})
	return k, err
}

func (s *BoltDB) ListActiveAPIKeysByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	var out []*models.APIKey
	err := s.view("list api keys by prefix", func(tx *bolt.Tx) error {
		var err error
		out, err = scanJSON(tx.Bucket(apiKeysBucket), func(k *models.APIKey) bool {
			return k.KeyPrefix == prefix && k.IsActive
		})
		return err
	})
	return out, err
}

func (s *BoltDB) ListAPIKeys(_ context.Context, f models.APIKeyFilter) ([]*models.APIKey, error) {
	var out []*models.APIKey
	err := s.view("list api keys", func(tx *bolt.Tx) error {
		var owners map[string]bool
		if f.UserEmail != "" {
			users, err := scanJSON(tx.Bucket(usersBucket), func(u *models.User) bool { return strings.EqualFold(u.Email, f.UserEmail) })
			if err != nil {
				return err
			}
			owners = make(map[string]bool, len(users))
			for _, u := range users {
				owners[u.ID] = true
			}
		}
		var err error
		out, err = scanJSON(tx.Bucket(apiKeysBucket), func(k *models.APIKey) bool {
			return (f.UserID == "" || k.UserID == f.UserID) &&
				(owners == nil || owners[k.UserID]) &&
				(!f.ActiveOnly || k.IsActive)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *BoltDB) ListExpiredAPIKeys(_ context.Context, now time.Time) ([]*models.APIKey, error) {
	var out []*models.APIKey
	err := s.view("list expired api keys", func(tx *bolt.Tx) error {
		var err error
		out, err = scanJSON(tx.Bucket(apiKeysBucket), func(k *models.APIKey) bool { return k.Expired(now) })
		return err
	})
	if err != nil {
		return nil, err
	}
	sortByExpiry(out)
	return out, nil
}

func (s *BoltDB) CountActiveAPIKeys(context.Context) (int64, error) {
	var n int64
	err := s.view("count api keys", func(tx *bolt.Tx) error {
		active, err := scanJSON(tx.Bucket(apiKeysBucket), func(k *models.APIKey) bool { return k.IsActive })
		n = int64(len(active))
		return err
	})
	return n, err
}

func (s *BoltDB) DeactivateAPIKey(_ context.Context, id string, at time.Time) error {
	return s.update("deactivate api key", func(tx *bolt.Tx) error {
		return mutate(tx.Bucket(apiKeysBucket), id, "api key", func(k *models.APIKey) {
			k.IsActive = false
			k.UpdatedAt = at
		})
	})
}

func (s *BoltDB) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	return s.update("touch api key", func(tx *bolt.Tx) error {
		return mutate(tx.Bucket(apiKeysBucket), id, "api key", func(k *models.APIKey) { k.LastUsedAt = &at })
	})
}

func (s *BoltDB) UpdateAPIKeyRateLimit(_ context.Context, id string, rl models.RateLimit, at time.Time) error {
	return s.update("update api key", func(tx *bolt.Tx) error {
		return mutate(tx.Bucket(apiKeysBucket), id, "api key", func(k *models.APIKey) {
			k.RateLimit = rl
			k.UpdatedAt = at
		})
	})
}

func (s *BoltDB) DeactivateExpiredAPIKeys(_ context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.update("expire api keys", func(tx *bolt.Tx) error {
		b := tx.Bucket(apiKeysBucket)
		expired, err := scanJSON(b, func(k *models.APIKey) bool { return k.IsActive && k.Expired(now) })
		if err != nil {
			return err
		}
		for _, k := range expired {
			k.IsActive = false
			k.UpdatedAt = now
			if err := putJSON(b, k.ID, k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Usage

func usageBuckets(kind models.SubjectKind) (usage, parent []byte, ok bool) {
	switch kind {
	case models.SubjectAPIKey:
		return apiKeyUsageBucket, apiKeysBucket, true
	case models.SubjectA2AClient:
		return a2aUsageBucket, clientsBucket, true
	case models.SubjectUser:
		return userUsageBucket, usersBucket, true
	}
	return nil, nil, false
}

var unixEpoch = time.Unix(0, 0)

// timeKey is the big-endian nanosecond prefix of a usage key. Times before
// the epoch sort first.
func timeKey(t time.Time) []byte {
	if t.Before(unixEpoch) {
		return itob(0)
	}
	return itob(uint64(t.UnixNano()))
}

func usageKey(t time.Time, seq uint64) []byte {
	return append(timeKey(t), itob(seq)...)
}

func keyTime(k []byte) uint64 { return binary.BigEndian.Uint64(k[:8]) }

func (s *BoltDB) AppendUsage(_ context.Context, u *models.Usage) error {
	usageName, parentName, ok := usageBuckets(u.Subject.Kind)
	if !ok {
		return notFound("usage subject")
	}
	return s.update("append usage", func(tx *bolt.Tx) error {
		if tx.Bucket(parentName).Get([]byte(u.Subject.ID)) == nil {
			return notFound(string(u.Subject.Kind))
		}
		root := tx.Bucket(usageName)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		nested, err := root.CreateBucketIfNotExists([]byte(u.Subject.ID))
		if err != nil {
			return err
		}
		u.ID = int64(seq)
		raw, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return nested.Put(usageKey(u.Timestamp, seq), raw)
	})
}

func subjectUsage(tx *bolt.Tx, subj models.Subject) (*bolt.Bucket, error) {
	usageName, _, ok := usageBuckets(subj.Kind)
	if !ok {
		return nil, notFound("usage subject")
	}
	return tx.Bucket(usageName).Bucket([]byte(subj.ID)), nil
}

// eachUsage decodes the rows of b stamped within [start, end] in time
// order. A zero end is open.
func eachUsage(b *bolt.Bucket, start, end time.Time, fn func(*models.Usage) error) error {
	stop := uint64(math.MaxUint64)
	if !end.IsZero() {
		stop = keyTime(timeKey(end))
	}
	c := b.Cursor()
	for k, v := c.Seek(timeKey(start)); k != nil; k, v = c.Next() {
		if keyTime(k) > stop {
			return nil
		}
		var u models.Usage
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		if err := fn(&u); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltDB) CountUsageSince(_ context.Context, subj models.Subject, since time.Time) (int64, error) {
	var n int64
	err := s.view("count usage", func(tx *bolt.Tx) error {
		b, err := subjectUsage(tx, subj)
		if err != nil || b == nil {
			return err
		}
		c := b.Cursor()
		for k, _ := c.Seek(timeKey(since)); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *BoltDB) UsageStats(_ context.Context, subj models.Subject, start, end time.Time) (*models.UsageStats, error) {
	stats := &models.UsageStats{Subject: subj, PeriodStart: start, PeriodEnd: end}
	err := s.view("usage stats", func(tx *bolt.Tx) error {
		b, err := subjectUsage(tx, subj)
		if err != nil || b == nil {
			return err
		}
		var totalMS int64
		err = eachUsage(b, start, end, func(u *models.Usage) error {
			stats.TotalRequests++
			if successful(u.StatusCode) {
				stats.SuccessfulCalls++
			}
			if failed(u.StatusCode) {
				stats.FailedCalls++
			}
			totalMS += int64(u.ResponseTimeMS)
			stats.RequestBytes += int64(u.RequestBytes)
			stats.ResponseBytes += int64(u.ResponseBytes)
			return nil
		})
		if stats.TotalRequests > 0 {
			stats.AvgResponseTimeMS = float64(totalMS) / float64(stats.TotalRequests)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *BoltDB) ListUsage(_ context.Context, f models.UsageFilter) ([]*models.Usage, error) {
	usageName, _, ok := usageBuckets(f.Subject.Kind)
	if !ok {
		return nil, notFound("usage subject")
	}
	var out []*models.Usage
	collect := func(b *bolt.Bucket) error {
		return eachUsage(b, f.Start, f.End, func(u *models.Usage) error {
			if f.Match(u) {
				out = append(out, u)
			}
			return nil
		})
	}
	err := s.view("list usage", func(tx *bolt.Tx) error {
		root := tx.Bucket(usageName)
		if f.Subject.ID != "" {
			if b := root.Bucket([]byte(f.Subject.ID)); b != nil {
				return collect(b)
			}
			return nil
		}
		return root.ForEachBucket(func(name []byte) error {
			return collect(root.Bucket(name))
		})
	})
	if err != nil {
		return nil, err
	}
	return sortUsage(out, f.Limit), nil
}

// Admin tokens

func (s *BoltDB) CreateAdminToken(_ context.Context, t *models.AdminToken) error {
	return s.update("create admin token", func(tx *bolt.Tx) error {
		b := tx.Bucket(adminTokensBucket)
		if b.Get([]byte(t.ID)) != nil {
			return conflict("admin token")
		}
		dup, err := scanJSON(b, func(x *models.AdminToken) bool {
			return x.TokenPrefix == t.TokenPrefix || x.TokenHash == t.TokenHash
		})
		if err != nil {
			return err
		}
		if len(dup) > 0 {
			return conflict("admin token prefix")
		}
		return putJSON(b, t.ID, t)
	})
}

func (s *BoltDB) GetAdminToken(_ context.Context, id string) (*models.AdminToken, error) {
	var t *models.AdminToken
	err := s.view("get admin token", func(tx *bolt.Tx) error {
		var err error
		t, err = getJSON[models.AdminToken](tx.Bucket(adminTokensBucket), id, "admin token")
		return err
	})
	return t, err
}

func (s *BoltDB) ListAdminTokensByPrefix(_ context.Context, prefix string) ([]*models.AdminToken, error) {
	var out []*models.AdminToken
	err := s.view("list admin tokens by prefix", func(tx *bolt.Tx) error {
		var err error
		out, err = scanJSON(tx.Bucket(adminTokensBucket), func(t *models.AdminToken) bool { return t.TokenPrefix == prefix })
		return err
	})
	return out, err
}

func (s *BoltDB) ListAdminTokens(_ context.Context, includeInactive bool) ([]*models.AdminToken, error) {
	var out []*models.AdminToken
	err := s.view("list admin tokens", func(tx *bolt.Tx) error {
		var err error
		out, err = scanJSON(tx.Bucket(adminTokensBucket), func(t *models.AdminToken) bool { return includeInactive || t.IsActive })
		return err
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (s *BoltDB) DeactivateAdminToken(_ context.Context, id string) error {
	return s.update("deactivate admin token", func(tx *bolt.Tx) error {
		return mutate(tx.Bucket(adminTokensBucket), id, "admin token", func(t *models.AdminToken) { t.IsActive = false })
	})
}

func (s *BoltDB) TouchAdminToken(_ context.Context, id string, at time.Time, ip string) error {
	return s.update("touch admin token", func(tx *bolt.Tx) error {
		return mutate(tx.Bucket(adminTokensBucket), id, "admin token", func(t *models.AdminToken) {
			t.LastUsedAt = &at
			if ip != "" {
				t.LastUsedIP = ip
			}
			t.UsageCount++
		})
	})
}

func (s *BoltDB) AppendAdminTokenUsage(_ context.Context, u *models.AdminTokenUsage) error {
	return s.update("append admin token usage", func(tx *bolt.Tx) error {
		if tx.Bucket(adminTokensBucket).Get([]byte(u.AdminTokenID)) == nil {
			return notFound("admin token")
		}
		root := tx.Bucket(adminUsageBucket)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		nested, err := root.CreateBucketIfNotExists([]byte(u.AdminTokenID))
		if err != nil {
			return err
		}
		u.ID = int64(seq)
		raw, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return nested.Put(itob(seq), raw)
	})
}

func (s *BoltDB) ListAdminTokenUsage(_ context.Context, tokenID string, start, end time.Time) ([]*models.AdminTokenUsage, error) {
	var out []*models.AdminTokenUsage
	err := s.view("list admin token usage", func(tx *bolt.Tx) error {
		nested := tx.Bucket(adminUsageBucket).Bucket([]byte(tokenID))
		if nested == nil {
			return nil
		}
		var err error
		out, err = scanJSON(nested, func(u *models.AdminTokenUsage) bool {
			return !u.Timestamp.Before(start) && !u.Timestamp.After(end)
		})
		return err
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, err
}

func (s *BoltDB) CreateProvisionedKey(_ context.Context, p *models.AdminProvisionedKey) error {
	return s.update("create provisioned key", func(tx *bolt.Tx) error {
		if tx.Bucket(adminTokensBucket).Get([]byte(p.AdminTokenID)) == nil {
			return notFound("admin token")
		}
		if tx.Bucket(apiKeysBucket).Get([]byte(p.APIKeyID)) == nil {
			return notFound("api key")
		}
		b := tx.Bucket(provisionedBucket)
		if b.Get([]byte(p.ID)) != nil {
			return conflict("provisioned key")
		}
		return putJSON(b, p.ID, p)
	})
}

func (s *BoltDB) ListProvisionedKeys(_ context.Context, tokenID string) ([]*models.AdminProvisionedKey, error) {
	var out []*models.AdminProvisionedKey
	err := s.view("list provisioned keys", func(tx *bolt.Tx) error {
		var err error
		out, err = scanJSON(tx.Bucket(provisionedBucket), func(p *models.AdminProvisionedKey) bool {
			return tokenID == "" || p.AdminTokenID == tokenID
		})
		return err
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (s *BoltDB) RevokeProvisionedKey(_ context.Context, apiKeyID, reason string, at time.Time) error {
	return s.update("revoke provisioned key", func(tx *bolt.Tx) error {
		b := tx.Bucket(provisionedBucket)
		rows, err := scanJSON(b, func(p *models.AdminProvisionedKey) bool { return p.APIKeyID == apiKeyID })
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return notFound("provisioned key")
		}
		for _, p := range rows {
			if p.Status != models.ProvisionedActive {
				continue
			}
			p.Status = models.ProvisionedRevoked
			p.RevokedAt = &at
			p.RevokedReason = reason
			if err := putJSON(b, p.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// A2A

func (s *BoltDB) CreateA2AClient(_ context.Context, c *models.A2AClient) error {
	return s.update("create a2a client", func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get([]byte(c.ID)) != nil {
			return conflict("a2a client")
		}
		return putJSON(b, c.ID, c)
	})
}

func (s *BoltDB) GetA2AClient(_ context.Context, id string) (*models.A2AClient, error) {
	var c *models.A2AClient
	err := s.view("get a2a client", func(tx *bolt.Tx) error {
		var err error
		c, err = getJSON[models.A2AClient](tx.Bucket(clientsBucket), id, "a2a client")
		return err
	})
	return c, err
}

func (s *BoltDB) ListA2AClients(_ context.Context, userID string) ([]*models.A2AClient, error) {
	var out []*models.A2AClient
	err := s.view("list a2a clients", func(tx *bolt.Tx) error {
		var err error
		out, err = scanJSON(tx.Bucket(clientsBucket), func(c *models.A2AClient) bool { return userID == "" || c.UserID == userID })
		return err
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (s *BoltDB) DeactivateA2AClient(_ context.Context, id string, at time.Time) error {
	return s.update("deactivate a2a client", func(tx *bolt.Tx) error {
		return mutate(tx.Bucket(clientsBucket), id, "a2a client", func(c *models.A2AClient) {
			c.IsActive = false
			c.UpdatedAt = at
		})
	})
}

func (s *BoltDB) CreateA2ASession(_ context.Context, sess *models.A2ASession) error {
	return s.update("create a2a session", func(tx *bolt.Tx) error {
		if tx.Bucket(clientsBucket).Get([]byte(sess.ClientID)) == nil {
			return notFound("a2a client")
		}
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(sess.ID)) != nil {
			return conflict("a2a session")
		}
		return putJSON(b, sess.ID, sess)
	})
}

func (s *BoltDB) GetA2ASession(_ context.Context, id string) (*models.A2ASession, error) {
	var sess *models.A2ASession
	err := s.view("get a2a session", func(tx *bolt.Tx) error {
		var err error
		sess, err = getJSON[models.A2ASession](tx.Bucket(sessionsBucket), id, "a2a session")
		return err
	})
	return sess, err
}

func (s *BoltDB) GetA2ASessionByTokenHash(_ context.Context, hash string) (*models.A2ASession, error) {
	var sess *models.A2ASession
	err := s.view("get a2a session", func(tx *bolt.Tx) error {
		found, err := scanJSON(tx.Bucket(sessionsBucket), func(x *models.A2ASession) bool { return x.TokenHash == hash })
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return notFound("a2a session")
		}
		sess = found[0]
		return nil
	})
	return sess, err
}

func (s *BoltDB) TouchA2ASession(_ context.Context, id string, at time.Time) error {
	return s.update("touch a2a session", func(tx *bolt.Tx) error {
		return mutate(tx.Bucket(sessionsBucket), id, "a2a session", func(x *models.A2ASession) { x.LastActiveAt = at })
	})
}

func (s *BoltDB) DeactivateA2ASession(_ context.Context, id string) error {
	return s.update("deactivate a2a session", func(tx *bolt.Tx) error {
		return mutate(tx.Bucket(sessionsBucket), id, "a2a session", func(x *models.A2ASession) { x.IsActive = false })
	})
}

func (s *BoltDB) CreateA2ATask(_ context.Context, t *models.A2ATask) error {
	return s.update("create a2a task", func(tx *bolt.Tx) error {
		if tx.Bucket(sessionsBucket).Get([]byte(t.SessionID)) == nil {
			return notFound("a2a session")
		}
		b := tx.Bucket(tasksBucket)
		if b.Get([]byte(t.ID)) != nil {
			return conflict("a2a task")
		}
		return putJSON(b, t.ID, t)
	})
}

func (s *BoltDB) GetA2ATask(_ context.Context, id string) (*models.A2ATask, error) {
	var t *models.A2ATask
	err := s.view("get a2a task", func(tx *bolt.Tx) error {
		var err error
		t, err = getJSON[models.A2ATask](tx.Bucket(tasksBucket), id, "a2a task")
		return err
	})
	return t, err
}

func (s *BoltDB) ListA2ATasks(_ context.Context, clientID string, limit int) ([]*models.A2ATask, error) {
	var out []*models.A2ATask
	err := s.view("list a2a tasks", func(tx *bolt.Tx) error {
		var err error
		out, err = scanJSON(tx.Bucket(tasksBucket), func(t *models.A2ATask) bool { return t.ClientID == clientID })
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, 0), nil
}

func (s *BoltDB) UpdateA2ATaskStatus(_ context.Context, id string, from, to models.TaskStatus, upd models.TaskUpdate) (bool, error) {
	swapped := false
	err := s.update("update a2a task", func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		t, err := getJSON[models.A2ATask](b, id, "a2a task")
		if err != nil {
			return err
		}
		if t.Status != from {
			return nil
		}
		t.Status = to
		t.UpdatedAt = upd.At
		if upd.Result != nil {
			t.Result = maps.Clone(upd.Result)
		}
		if upd.ErrorMessage != "" {
			t.ErrorMessage = upd.ErrorMessage
		}
		if to.Terminal() {
			at := upd.At
			t.CompletedAt = &at
		}
		swapped = true
		return putJSON(b, id, t)
	})
	return swapped, err
}
