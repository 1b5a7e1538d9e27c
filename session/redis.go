package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound       int64 = 0
	rotateStatusAlreadyRotated int64 = 1
	rotateStatusRevoked        int64 = 2
	rotateStatusDuplicate      int64 = 3
	rotateStatusFamilyMismatch int64 = 4
	rotateStatusRotated        int64 = 5
)

const createRecordScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 4))
redis.call("SET", KEYS[2], ARGV[1])
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("ZADD", KEYS[4], ARGV[2], ARGV[1])
redis.call("ZADD", KEYS[5], ARGV[3], ARGV[1])
return 1
`

var createRecordLua = redis.NewScript(createRecordScript)

const (
	createRootStatusDuplicate int64 = 0
	createRootStatusLimited   int64 = 1
	createRootStatusCreated   int64 = 2
)

// createRootScript counts the user's live tips, evicts or refuses, and inserts
// the root in one script. It replies with a status followed by a tip jti and
// family id pair for each evicted family.
const createRootScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return {0}
end
local max = tonumber(ARGV[5])
local evicted = {2}
if max > 0 then
  local now = tonumber(ARGV[4])
  local cap = tonumber(ARGV[7])
  local live = {}
  for _, jti in ipairs(redis.call("ZRANGE", KEYS[4], 0, -1)) do
    local f = redis.call("HMGET", ARGV[8] .. jti, "expires_at", "revoked_at", "rotated_at", "family_issued_at", "family_id")
    local exp = f[1] and tonumber(f[1])
    if not exp or exp < now or (f[2] and f[2] ~= "") or (f[3] and f[3] ~= "") then
      redis.call("ZREM", KEYS[4], jti)
    elseif cap == 0 or now - (tonumber(f[4]) or 0) <= cap then
      table.insert(live, {jti, f[5]})
    end
  end
  if #live >= max then
    if ARGV[6] ~= "1" then
      return {1}
    end
    for i = 1, #live - max + 1 do
      for _, member in ipairs(redis.call("SMEMBERS", ARGV[9] .. live[i][2])) do
        local key = ARGV[8] .. member
        local g = redis.call("HMGET", key, "user_id", "revoked_at")
        if g[1] == ARGV[10] then
          if not g[2] or g[2] == "" then
            redis.call("HSET", key, "revoked_at", ARGV[4])
          end
          redis.call("ZREM", KEYS[4], member)
        end
      end
      table.insert(evicted, live[i][1])
      table.insert(evicted, live[i][2])
    end
  end
end
redis.call("HSET", KEYS[1], unpack(ARGV, 11))
redis.call("SET", KEYS[2], ARGV[1])
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("ZADD", KEYS[4], ARGV[2], ARGV[1])
redis.call("ZADD", KEYS[5], ARGV[3], ARGV[1])
return evicted
`

var createRootLua = redis.NewScript(createRootScript)

const rotateRecordScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local state = redis.call("HMGET", KEYS[1], "rotated_at", "revoked_at", "family_id")
if state[1] and state[1] ~= "" then
  return 1
end
if state[2] and state[2] ~= "" then
  return 2
end
if state[3] ~= ARGV[6] then
  return 4
end
if redis.call("EXISTS", KEYS[2]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
  return 3
end
redis.call("HSET", KEYS[1], "rotated_at", ARGV[3])
redis.call("HSET", KEYS[2], unpack(ARGV, 7))
redis.call("SET", KEYS[3], ARGV[2])
redis.call("SADD", KEYS[4], ARGV[2])
redis.call("ZREM", KEYS[5], ARGV[1])
redis.call("ZADD", KEYS[5], ARGV[4], ARGV[2])
redis.call("ZADD", KEYS[6], ARGV[5], ARGV[2])
return 5
`

var rotateRecordLua = redis.NewScript(rotateRecordScript)

const markReusedScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local reused = redis.call("HGET", KEYS[1], "reused_at")
if not reused or reused == "" then
  redis.call("HSET", KEYS[1], "reused_at", ARGV[1])
end
return 1
`

var markReusedLua = redis.NewScript(markReusedScript)

const revokeFamilyScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local revoked = 0
for _, jti in ipairs(members) do
  local key = ARGV[3] .. jti
  local fields = redis.call("HMGET", key, "user_id", "revoked_at")
  if fields[1] == ARGV[1] then
    if not fields[2] or fields[2] == "" then
      redis.call("HSET", key, "revoked_at", ARGV[2])
      revoked = revoked + 1
    end
    redis.call("ZREM", KEYS[2], jti)
  end
end
return revoked
`

var revokeFamilyLua = redis.NewScript(revokeFamilyScript)

const revokeByIDScript = `
local jti = redis.call("GET", KEYS[1])
if not jti then
  return 0
end
local key = ARGV[3] .. jti
local fields = redis.call("HMGET", key, "user_id", "revoked_at")
if not fields[1] or fields[1] ~= ARGV[1] then
  return 0
end
if not fields[2] or fields[2] == "" then
  redis.call("HSET", key, "revoked_at", ARGV[2])
end
redis.call("ZREM", KEYS[2], jti)
return 1
`

var revokeByIDLua = redis.NewScript(revokeByIDScript)

// liveTipsScript walks the user's tip index oldest family first and prunes
// entries that are no longer live.
const liveTipsScript = `
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[3])
local out = {}
local count = 0
for _, jti in ipairs(members) do
  local fields = redis.call("HMGET", ARGV[2] .. jti, "expires_at", "revoked_at", "rotated_at")
  local exp = fields[1] and tonumber(fields[1])
  if not exp or exp < now or (fields[2] and fields[2] ~= "") or (fields[3] and fields[3] ~= "") then
    redis.call("ZREM", KEYS[1], jti)
  else
    count = count + 1
    if limit == 0 or #out < limit then
      table.insert(out, jti)
    end
  end
end
if ARGV[4] == "count" then
  return count
end
return out
`

var liveTipsLua = redis.NewScript(liveTipsScript)

const sweepExpiredScript = `
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, jti in ipairs(members) do
  local key = ARGV[3] .. jti
  local fields = redis.call("HMGET", key, "id", "family_id", "user_id")
  if fields[1] then
    redis.call("DEL", ARGV[4] .. fields[1])
  end
  if fields[2] then
    redis.call("SREM", ARGV[5] .. fields[2], jti)
  end
  if fields[3] then
    redis.call("ZREM", ARGV[6] .. fields[3], jti)
  end
  redis.call("DEL", key)
  redis.call("ZREM", KEYS[1], jti)
end
return #members
`

var sweepExpiredLua = redis.NewScript(sweepExpiredScript)

// RedisStore keeps one hash per record plus four indexes: id to jti, family
// members, live tips per user (scored by family issue time) and a global
// expiry index used by cleanup. Every mutation runs as a Lua script.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a [RedisStore]. prefix namespaces every key.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gs"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) recPrefix() string  { return s.prefix + ":rec:" }
func (s *RedisStore) idPrefix() string   { return s.prefix + ":id:" }
func (s *RedisStore) famPrefix() string  { return s.prefix + ":fam:" }
func (s *RedisStore) userPrefix() string { return s.prefix + ":user:" }

func (s *RedisStore) recKey(jti string) string      { return s.recPrefix() + jti }
func (s *RedisStore) idKey(id string) string        { return s.idPrefix() + id }
func (s *RedisStore) famKey(familyID string) string { return s.famPrefix() + familyID }
func (s *RedisStore) userKey(userID string) string  { return s.userPrefix() + userID }
func (s *RedisStore) expKey() string                { return s.prefix + ":exp" }

// Create inserts rec and its index entries in one script.
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	args := append([]interface{}{
		rec.JTI,
		rec.FamilyIssuedAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
	}, encodeFields(rec)...)

	created, err := createRecordLua.Run(ctx, s.redis, []string{
		s.recKey(rec.JTI),
		s.idKey(rec.ID),
		s.famKey(rec.FamilyID),
		s.userKey(rec.UserID),
		s.expKey(),
	}, args...).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if created == 0 {
		return ErrDuplicate
	}
	return nil
}

// CreateRoot inserts a family root after enforcing limit against the user's
// tip index inside the same script.
//
//	Performance: 1 Lua EVALSHA, plus 1 pipeline when families were evicted.
func (s *RedisStore) CreateRoot(ctx context.Context, rec *Record, limit Limit, now time.Time) ([]*Record, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	if limit.Max <= 0 {
		return []*Record{}, s.Create(ctx, rec)
	}

	prune := "0"
	if limit.Prune {
		prune = "1"
	}
	args := append([]interface{}{
		rec.JTI,
		rec.FamilyIssuedAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
		now.UnixMilli(),
		limit.Max,
		prune,
		limit.AbsoluteCap.Milliseconds(),
		s.recPrefix(),
		s.famPrefix(),
		rec.UserID,
	}, encodeFields(rec)...)

	reply, err := createRootLua.Run(ctx, s.redis, []string{
		s.recKey(rec.JTI),
		s.idKey(rec.ID),
		s.famKey(rec.FamilyID),
		s.userKey(rec.UserID),
		s.expKey(),
	}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("%w: empty create root reply", ErrUnavailable)
	}
	status, _ := reply[0].(int64)
	switch status {
	case createRootStatusDuplicate:
		return nil, ErrDuplicate
	case createRootStatusLimited:
		return nil, ErrLimitReached
	case createRootStatusCreated:
	default:
		return nil, fmt.Errorf("%w: unknown create root status %d", ErrUnavailable, status)
	}

	var jtis, families []string
	for i := 1; i+1 < len(reply); i += 2 {
		jti, _ := reply[i].(string)
		family, _ := reply[i+1].(string)
		jtis = append(jtis, jti)
		families = append(families, family)
	}
	evicted, err := s.loadRecords(ctx, jtis)
	if err != nil || len(evicted) != len(jtis) {
		// The root is committed; report the evictions without their details.
		evicted = make([]*Record, 0, len(jtis))
		for i, jti := range jtis {
			evicted = append(evicted, &Record{UserID: rec.UserID, JTI: jti, FamilyID: families[i], RevokedAt: now})
		}
	}
	return evicted, nil
}

// FindByJTI loads a record by token identifier.
//
//	Performance: 1 Redis HGETALL.
func (s *RedisStore) FindByJTI(ctx context.Context, jti string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recKey(jti)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeFields(fields)
}

// FindByID loads a record by its record identifier.
func (s *RedisStore) FindByID(ctx context.Context, id string) (*Record, error) {
	jti, err := s.redis.Get(ctx, s.idKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.FindByJTI(ctx, jti)
}

// MarkRotated sets rotated_at on the parent only when it is still unrotated
// and unrevoked, and inserts child in the same script.
//
//	Performance: 1 Lua EVALSHA.
//	Security: the script is the single conditional write; callers must not retry it.
func (s *RedisStore) MarkRotated(ctx context.Context, oldJTI string, now time.Time, child *Record) error {
	if err := validateRecord(child); err != nil {
		return err
	}
	if child.ParentJTI != oldJTI {
		return errors.New("child parent jti does not match rotated record")
	}

	args := append([]interface{}{
		oldJTI,
		child.JTI,
		now.UnixMilli(),
		child.FamilyIssuedAt.UnixMilli(),
		child.ExpiresAt.UnixMilli(),
		child.FamilyID,
	}, encodeFields(child)...)

	code, err := rotateRecordLua.Run(ctx, s.redis, []string{
		s.recKey(oldJTI),
		s.recKey(child.JTI),
		s.idKey(child.ID),
		s.famKey(child.FamilyID),
		s.userKey(child.UserID),
		s.expKey(),
	}, args...).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch code {
	case rotateStatusRotated:
		return nil
	case rotateStatusNotFound:
		return ErrNotFound
	case rotateStatusAlreadyRotated:
		return ErrAlreadyRotated
	case rotateStatusRevoked:
		return ErrRevoked
	case rotateStatusDuplicate:
		return ErrDuplicate
	case rotateStatusFamilyMismatch:
		return fmt.Errorf("%w: child family does not match parent", ErrCorrupt)
	default:
		return fmt.Errorf("%w: unknown rotate script status %d", ErrUnavailable, code)
	}
}

// MarkReused stamps reused_at once; later calls keep the first timestamp.
func (s *RedisStore) MarkReused(ctx context.Context, jti string, now time.Time) error {
	found, err := markReusedLua.Run(ctx, s.redis, []string{s.recKey(jti)}, now.UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if found == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeByID revokes a single record owned by userID.
func (s *RedisStore) RevokeByID(ctx context.Context, userID, id string, now time.Time) error {
	found, err := revokeByIDLua.Run(ctx, s.redis,
		[]string{s.idKey(id), s.userKey(userID)},
		userID, now.UnixMilli(), s.recPrefix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if found == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeFamily revokes every record of familyID that belongs to userID and
// returns how many were newly revoked.
func (s *RedisStore) RevokeFamily(ctx context.Context, userID, familyID string, now time.Time) (int, error) {
	n, err := revokeFamilyLua.Run(ctx, s.redis,
		[]string{s.famKey(familyID), s.userKey(userID)},
		userID, now.UnixMilli(), s.recPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// CountLive returns the number of live family tips for userID.
func (s *RedisStore) CountLive(ctx context.Context, userID string, now time.Time) (int, error) {
	n, err := liveTipsLua.Run(ctx, s.redis,
		[]string{s.userKey(userID)},
		now.UnixMilli(), s.recPrefix(), 0, "count",
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// ListLive returns live tips oldest family first.
func (s *RedisStore) ListLive(ctx context.Context, userID string, now time.Time) ([]*Record, error) {
	return s.liveTips(ctx, userID, 0, now)
}

// FindOldestLive returns at most n live tips, oldest family first.
func (s *RedisStore) FindOldestLive(ctx context.Context, userID string, n int, now time.Time) ([]*Record, error) {
	if n <= 0 {
		return []*Record{}, nil
	}
	return s.liveTips(ctx, userID, n, now)
}

func (s *RedisStore) liveTips(ctx context.Context, userID string, limit int, now time.Time) ([]*Record, error) {
	jtis, err := liveTipsLua.Run(ctx, s.redis,
		[]string{s.userKey(userID)},
		now.UnixMilli(), s.recPrefix(), limit, "list",
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	recs, err := s.loadRecords(ctx, jtis)
	if err != nil {
		return nil, err
	}

	out := recs[:0]
	for _, rec := range recs {
		// A concurrent rotation may land between the script and the pipeline.
		if rec.Live(now, 0) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// loadRecords fetches jtis in one pipeline, skipping records that are gone.
func (s *RedisStore) loadRecords(ctx context.Context, jtis []string) ([]*Record, error) {
	if len(jtis) == 0 {
		return []*Record{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(jtis))
	for i, jti := range jtis {
		cmds[i] = pipe.HGetAll(ctx, s.recKey(jti))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make([]*Record, 0, len(jtis))
	for _, cmd := range cmds {
		rec, err := decodeFields(cmd.Val())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteExpired removes up to limit records whose expiry is before the cutoff,
// together with their index entries.
func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	n, err := sweepExpiredLua.Run(ctx, s.redis,
		[]string{s.expKey()},
		before.UnixMilli(), limit, s.recPrefix(), s.idPrefix(), s.famPrefix(), s.userPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// Ping checks Redis availability.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func encodeFields(rec *Record) []interface{} {
	return []interface{}{
		"id", rec.ID,
		"user_id", rec.UserID,
		"jti", rec.JTI,
		"family_id", rec.FamilyID,
		"parent_jti", rec.ParentJTI,
		"token_type", string(rec.TokenType),
		"token_hash", hex.EncodeToString(rec.TokenHash),
		"issued_at", encodeMillis(rec.IssuedAt),
		"expires_at", encodeMillis(rec.ExpiresAt),
		"family_issued_at", encodeMillis(rec.FamilyIssuedAt),
		"revoked_at", encodeMillis(rec.RevokedAt),
		"rotated_at", encodeMillis(rec.RotatedAt),
		"reused_at", encodeMillis(rec.ReusedAt),
		"device_id", rec.DeviceID,
		"user_agent", rec.UserAgent,
		"ip", rec.IP,
	}
}

func decodeFields(fields map[string]string) (*Record, error) {
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := &Record{
		ID:        fields["id"],
		UserID:    fields["user_id"],
		JTI:       fields["jti"],
		FamilyID:  fields["family_id"],
		ParentJTI: fields["parent_jti"],
		TokenType: TokenType(fields["token_type"]),
		DeviceID:  fields["device_id"],
		UserAgent: fields["user_agent"],
		IP:        fields["ip"],
	}
	if rec.JTI == "" || rec.UserID == "" || !rec.TokenType.Valid() {
		return nil, ErrCorrupt
	}

	if h := fields["token_hash"]; h != "" {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("%w: token hash: %v", ErrCorrupt, err)
		}
		rec.TokenHash = raw
	}

	var err error
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{"issued_at", &rec.IssuedAt},
		{"expires_at", &rec.ExpiresAt},
		{"family_issued_at", &rec.FamilyIssuedAt},
		{"revoked_at", &rec.RevokedAt},
		{"rotated_at", &rec.RotatedAt},
		{"reused_at", &rec.ReusedAt},
	} {
		if *f.dst, err = decodeMillis(fields[f.name]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.name, err)
		}
	}

	return rec, nil
}

func encodeMillis(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func decodeMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
