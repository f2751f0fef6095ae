package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for a shared blackboard.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
//
// Client also implements the store side of observation: masks armed through
// SetVariableObservation and SetGlobalObservation are kept in memory, and
// events received after StartObserving are filtered through them before the
// observation callback is invoked. Arming never performs network I/O.
type Client struct {
	rdb          *redis.Client
	instanceName string

	obs   *observations
	mu    sync.RWMutex
	known map[VID]struct{} // populated by StartObserving
}

// NewClient creates a new blackboard client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: bench instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		obs:          newObservations(),
		known:        make(map[VID]struct{}),
	}, nil
}

// InstanceName returns the namespace this client operates in.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// CreateVariable stores a new variable and publishes an add event.
// If a variable with the same name exists, its VID is returned unchanged and
// nothing is published.
func (c *Client) CreateVariable(ctx context.Context, v *Variable) (VID, error) {
	if err := v.Validate(); err != nil {
		return 0, fmt.Errorf("invalid variable: %w", err)
	}

	if vid, err := c.LookupVariable(ctx, v.Name); err == nil {
		return vid, nil
	} else if !IsNotFound(err) {
		return 0, err
	}

	id, err := c.rdb.Incr(ctx, NextVIDKey(c.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate vid: %w", err)
	}

	// HSETNX settles concurrent creators of the same name
	created, err := c.rdb.HSetNX(ctx, VariableIndexKey(c.instanceName), v.Name, id).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to write variable index: %w", err)
	}
	if !created {
		return c.LookupVariable(ctx, v.Name)
	}

	stored := *v
	stored.ApplyDefaults()
	stored.VID = VID(id)
	if err := c.rdb.HSet(ctx, VariableKey(c.instanceName, stored.VID), VariableToHash(&stored)).Err(); err != nil {
		return 0, fmt.Errorf("failed to write variable to Redis: %w", err)
	}

	if err := c.publish(ctx, &stored, ObserveAddVariable); err != nil {
		return 0, err
	}
	return stored.VID, nil
}

// GetVariable retrieves a variable by VID.
// Returns (nil, redis.Nil) if the variable doesn't exist.
func (c *Client) GetVariable(ctx context.Context, vid VID) (*Variable, error) {
	hashData, err := c.rdb.HGetAll(ctx, VariableKey(c.instanceName, vid)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read variable from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	v, err := HashToVariable(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize variable: %w", err)
	}
	return v, nil
}

// LookupVariable resolves a variable name to its VID.
// Returns (0, redis.Nil) if no variable has that name.
func (c *Client) LookupVariable(ctx context.Context, name string) (VID, error) {
	raw, err := c.rdb.HGet(ctx, VariableIndexKey(c.instanceName), name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, redis.Nil
		}
		return 0, fmt.Errorf("failed to read variable index: %w", err)
	}
	vid, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("corrupt index entry for %q: %w", name, err)
	}
	return VID(vid), nil
}

// ListVariables returns every variable of the instance ordered by VID.
func (c *Client) ListVariables(ctx context.Context) ([]*Variable, error) {
	ids, err := c.listIDs(ctx)
	if err != nil {
		return nil, err
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, vid := range ids {
		cmds[i] = pipe.HGetAll(ctx, VariableKey(c.instanceName, vid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read variables: %w", err)
	}

	vars := make([]*Variable, 0, len(ids))
	for i, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			// Index entry without hash: deleted between the two reads
			continue
		}
		v, err := HashToVariable(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize variable %d: %w", ids[i], err)
		}
		vars = append(vars, v)
	}
	return vars, nil
}

func (c *Client) listIDs(ctx context.Context) ([]VID, error) {
	index, err := c.rdb.HGetAll(ctx, VariableIndexKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read variable index: %w", err)
	}
	ids := make([]VID, 0, len(index))
	for name, raw := range index {
		vid, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("corrupt index entry for %q: %w", name, err)
		}
		ids = append(ids, VID(vid))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// WriteValue sets a variable's value and publishes a value event if it changed.
func (c *Client) WriteValue(ctx context.Context, vid VID, value float64) error {
	cur, err := c.GetVariable(ctx, vid)
	if err != nil {
		return err
	}
	if cur.Value == value {
		return nil
	}

	key := VariableKey(c.instanceName, vid)
	if err := c.rdb.HSet(ctx, key, "value", strconv.FormatFloat(value, 'g', -1, 64)).Err(); err != nil {
		return fmt.Errorf("failed to write value to Redis: %w", err)
	}
	cur.Value = value
	return c.publish(ctx, cur, ObserveValueChanged)
}

// UpdateVariable applies fn to the stored variable and publishes the flags of
// every property that changed. VID and Name are preserved.
func (c *Client) UpdateVariable(ctx context.Context, vid VID, fn func(v *Variable)) error {
	cur, err := c.GetVariable(ctx, vid)
	if err != nil {
		return err
	}

	next := *cur
	fn(&next)
	next.VID = cur.VID
	next.Name = cur.Name
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid variable: %w", err)
	}
	next.ApplyDefaults()

	changed := ChangedFlags(cur, &next)
	if changed == 0 {
		return nil
	}
	if err := c.rdb.HSet(ctx, VariableKey(c.instanceName, vid), VariableToHash(&next)).Err(); err != nil {
		return fmt.Errorf("failed to update variable in Redis: %w", err)
	}
	return c.publish(ctx, &next, changed)
}

// DeleteVariable removes a variable and publishes a remove event.
func (c *Client) DeleteVariable(ctx context.Context, vid VID) error {
	cur, err := c.GetVariable(ctx, vid)
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, VariableKey(c.instanceName, vid))
	pipe.HDel(ctx, VariableIndexKey(c.instanceName), cur.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete variable from Redis: %w", err)
	}
	return c.publish(ctx, cur, ObserveRemoveVariable)
}

func (c *Client) publish(ctx context.Context, v *Variable, flags ObservationFlags) error {
	event := VariableEvent{
		VID:         v.VID,
		Name:        v.Name,
		Flags:       flags,
		Value:       v.Value,
		TimestampMs: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal variable event: %w", err)
	}
	if err := c.rdb.Publish(ctx, VariableEventsChannel(c.instanceName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish variable event: %w", err)
	}
	return nil
}

// SetVariableObservation arms or disarms observation of one variable.
// Only variables seen by StartObserving (initial load or add events) are known.
func (c *Client) SetVariableObservation(vid VID, flags ObservationFlags, data uint32) error {
	c.mu.RLock()
	_, ok := c.known[vid]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: vid %d", ErrUnknownVariable, vid)
	}
	c.obs.armVariable(vid, flags, data)
	return nil
}

// SetGlobalObservation arms or disarms whole-table observation and returns the
// VIDs currently known to the client.
func (c *Client) SetGlobalObservation(flags ObservationFlags, data uint32) ([]VID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.obs.armGlobal(flags, data)
	ids := make([]VID, 0, len(c.known))
	for vid := range c.known {
		ids = append(ids, vid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SetObservationCallback installs the single observation callback.
func (c *Client) SetObservationCallback(cb ObservationCallback) {
	c.obs.setCallback(cb)
}

// Subscription represents an active feed of variable events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	errors <-chan error
	cancel func()
	done   <-chan struct{}
	once   sync.Once
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures; the feed continues after them.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the feed and waits until no further callbacks can run.
// Implements io.Closer. Must not be called from inside the observation callback.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// StartObserving subscribes to the instance's variable events, loads the set
// of existing variables, and from then on routes every event through the
// armed observation masks to the observation callback. The callback runs on
// the feed goroutine.
//
// The subscription is confirmed before the variable set is loaded so no
// variable created concurrently can be missed.
func (c *Client) StartObserving(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, VariableEventsChannel(c.instanceName))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to variable events: %w", err)
	}

	ids, err := c.listIDs(ctx)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	c.mu.Lock()
	for _, vid := range ids {
		c.known[vid] = struct{}{}
	}
	c.mu.Unlock()

	errorsChan := make(chan error, 10)
	done := make(chan struct{})
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(done)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event VariableEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					err = fmt.Errorf("failed to unmarshal variable event: %w", err)
					select {
					case errorsChan <- err:
					default:
						log.Printf("[Blackboard] %v", err)
					}
					continue
				}
				c.applyEvent(&event)
			}
		}
	}()

	return &Subscription{
		errors: errorsChan,
		cancel: cancelFunc,
		done:   done,
	}, nil
}

func (c *Client) applyEvent(event *VariableEvent) {
	c.mu.Lock()
	if event.Flags.Overlaps(ObserveAddVariable) {
		c.known[event.VID] = struct{}{}
	}
	if event.Flags.Overlaps(ObserveRemoveVariable) {
		delete(c.known, event.VID)
	}
	c.mu.Unlock()

	c.obs.fire(event.VID, event.Flags)

	if event.Flags.Overlaps(ObserveRemoveVariable) {
		c.obs.forget(event.VID)
	}
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
