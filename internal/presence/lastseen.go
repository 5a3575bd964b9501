package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lastSeenKey = "presence:last_seen"

// LastSeenStore persists the last time each user changed presence state.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, userID int64, at time.Time) error
	LastSeen(ctx context.Context, userIDs []int64) (map[int64]time.Time, error)
}

// RedisLastSeen keeps last-seen timestamps in a single Redis hash, one field
// per user, value in unix milliseconds.
type RedisLastSeen struct {
	client *redis.Client
}

func NewRedisLastSeen(client *redis.Client) *RedisLastSeen {
	return &RedisLastSeen{client: client}
}

func (s *RedisLastSeen) SetLastSeen(ctx context.Context, userID int64, at time.Time) error {
	field := strconv.FormatInt(userID, 10)
	if err := s.client.HSet(ctx, lastSeenKey, field, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("set last seen for %d: %w", userID, err)
	}
	return nil
}

func (s *RedisLastSeen) LastSeen(ctx context.Context, userIDs []int64) (map[int64]time.Time, error) {
	out := make(map[int64]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	fields := make([]string, len(userIDs))
	for i, id := range userIDs {
		fields[i] = strconv.FormatInt(id, 10)
	}
	values, err := s.client.HMGet(ctx, lastSeenKey, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("get last seen: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[userIDs[i]] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}

type seenEvent struct {
	userID int64
	at     time.Time
}

// Recorder writes last-seen timestamps for presence transitions. It is a
// TransitionListener that only enqueues; Run performs the store writes off
// the registry lock. When the queue is full the update is dropped.
type Recorder struct {
	store  LastSeenStore
	queue  chan seenEvent
	now    func() time.Time
	log    *zap.Logger
	closed chan struct{}
}

func NewRecorder(store LastSeenStore, buffer int, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{
		store:  store,
		queue:  make(chan seenEvent, buffer),
		now:    time.Now,
		log:    log,
		closed: make(chan struct{}),
	}
}

func (r *Recorder) OnTransition(tr Transition) {
	select {
	case r.queue <- seenEvent{userID: tr.UserID, at: r.now()}:
	default:
		r.log.Warn("last seen queue full, dropping update", zap.Int64("user_id", tr.UserID))
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.closed)
	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

// Done is closed once Run has returned.
func (r *Recorder) Done() <-chan struct{} { return r.closed }

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev seenEvent) {
	if err := r.store.SetLastSeen(ctx, ev.userID, ev.at); err != nil {
		r.log.Warn("record last seen", zap.Int64("user_id", ev.userID), zap.Error(err))
	}
}
