package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// schemaVersion is bumped whenever a stored entity's JSON shape changes in
// a way an older build cannot read. NewStore refuses to start against a
// bucket stamped with a different version.
const schemaVersion = 1

const schemaVersionKey = "_schema_version"

// maxContentionRetries bounds the busy-retry policy spec.md 4.1 requires
// for concurrent writers racing on the same key.
const maxContentionRetries = 5

// contentionBackoffBase is the starting delay of the bounded exponential
// backoff used between contention retries.
const contentionBackoffBase = 10 * time.Millisecond

// Store provides entity persistence backed by NATS JetStream KV, one
// bucket per entity type.
type Store struct {
	intents       jetstream.KeyValue
	specs         jetstream.KeyValue
	attempts      jetstream.KeyValue
	verifications jetstream.KeyValue
	survivors     jetstream.KeyValue
	judgments     jetstream.KeyValue
}

// NewStore creates a Store, creating its KV buckets if they don't exist
// and verifying each bucket's schema version.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	buckets := []string{
		BucketIntents, BucketSpecs, BucketAttempts,
		BucketVerifications, BucketSurvivors, BucketJudgments,
	}

	kvs := make(map[string]jetstream.KeyValue, len(buckets))
	for _, name := range buckets {
		kv, err := getOrCreateBucket(ctx, js, name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", name, err)
		}
		if err := checkSchemaVersion(ctx, kv, name); err != nil {
			return nil, err
		}
		kvs[name] = kv
	}

	return &Store{
		intents:       kvs[BucketIntents],
		specs:         kvs[BucketSpecs],
		attempts:      kvs[BucketAttempts],
		verifications: kvs[BucketVerifications],
		survivors:     kvs[BucketSurvivors],
		judgments:     kvs[BucketJudgments],
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Manifest %s storage", strings.ToLower(name)),
		History:     5,
	})
}

// checkSchemaVersion stamps a fresh bucket with the current schema
// version, or refuses to start if an existing stamp disagrees. There is
// no migration registry yet, so any mismatch is fatal per spec.md 4.1's
// "never silently discards data."
func checkSchemaVersion(ctx context.Context, kv jetstream.KeyValue, bucketName string) error {
	entry, err := kv.Get(ctx, schemaVersionKey)
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("read schema version for %s: %w", bucketName, err)
		}
		if _, err := kv.Put(ctx, schemaVersionKey, []byte(fmt.Sprintf("%d", schemaVersion))); err != nil {
			return fmt.Errorf("stamp schema version for %s: %w", bucketName, err)
		}
		return nil
	}

	var stored int
	if _, err := fmt.Sscanf(string(entry.Value()), "%d", &stored); err != nil {
		return fmt.Errorf("%w: unreadable version stamp in %s", ErrSchemaMismatch, bucketName)
	}
	if stored != schemaVersion {
		return fmt.Errorf("%w: %s has version %d, build expects %d", ErrSchemaMismatch, bucketName, stored, schemaVersion)
	}
	return nil
}

// --- Intent ---

// CreateIntent creates a new Intent and returns its ID.
func (s *Store) CreateIntent(ctx context.Context, in *Intent) (EntityID, error) {
	id := NewEntityID(EntityTypeIntent)
	in.ID = id.String()
	in.Status = IntentParsing
	in.CreatedAt = time.Now()
	in.UpdatedAt = in.CreatedAt

	data, err := json.Marshal(in)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal intent: %w", err)
	}
	if _, err := s.intents.Create(ctx, id.ID, data); err != nil {
		return EntityID{}, fmt.Errorf("store intent: %w", err)
	}
	return id, nil
}

// GetIntent retrieves an Intent by ID.
func (s *Store) GetIntent(ctx context.Context, id EntityID) (*Intent, error) {
	if id.Type != EntityTypeIntent {
		return nil, fmt.Errorf("invalid entity type: expected intent, got %s", id.Type)
	}
	entry, err := s.intents.Get(ctx, id.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get intent: %w", err)
	}
	var in Intent
	if err := json.Unmarshal(entry.Value(), &in); err != nil {
		return nil, fmt.Errorf("unmarshal intent: %w", err)
	}
	return &in, nil
}

// UpdateIntentStatus transitions an Intent to newStatus, retrying on
// concurrent-writer contention with bounded exponential backoff per
// spec.md 4.1.
func (s *Store) UpdateIntentStatus(ctx context.Context, id EntityID, newStatus IntentStatus) error {
	key := id.ID
	var lastErr error

	for attempt := 0; attempt < maxContentionRetries; attempt++ {
		entry, err := s.intents.Get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("get intent: %w", err)
		}

		var in Intent
		if err := json.Unmarshal(entry.Value(), &in); err != nil {
			return fmt.Errorf("unmarshal intent: %w", err)
		}

		now := time.Now()
		in.StatusChange = append(in.StatusChange, StatusChange{From: in.Status, To: newStatus, Timestamp: now})
		in.Status = newStatus
		in.UpdatedAt = now

		data, err := json.Marshal(&in)
		if err != nil {
			return fmt.Errorf("marshal intent: %w", err)
		}

		_, err = s.intents.Update(ctx, key, data, entry.Revision())
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(contentionBackoff(attempt)):
		}
	}

	return &StorageContentionError{Key: key, Retries: maxContentionRetries, err: lastErr}
}

// ListIntents returns every Intent, in no particular order.
func (s *Store) ListIntents(ctx context.Context) ([]*Intent, error) {
	keys, err := listDataKeys(ctx, s.intents)
	if err != nil {
		return nil, err
	}
	out := make([]*Intent, 0, len(keys))
	for _, key := range keys {
		entry, err := s.intents.Get(ctx, key)
		if err != nil {
			continue
		}
		var in Intent
		if err := json.Unmarshal(entry.Value(), &in); err != nil {
			continue
		}
		out = append(out, &in)
	}
	return out, nil
}

// --- Specification ---

// CreateSpec creates a new Specification and returns its ID. If spec.ID
// is already set, it is kept as-is — the Intent Compiler derives a
// deterministic v5 UUID from the intent and assertion content (see
// spec.md 4.5's determinism requirement) and passes it in rather than
// letting the Store mint a random one.
func (s *Store) CreateSpec(ctx context.Context, spec *Specification) (EntityID, error) {
	var id EntityID
	if spec.ID != "" {
		parsed, err := ParseEntityID(spec.ID)
		if err != nil || parsed.Type != EntityTypeSpec {
			id = NewEntityID(EntityTypeSpec)
		} else {
			id = parsed
		}
	} else {
		id = NewEntityID(EntityTypeSpec)
	}
	spec.ID = id.String()
	if spec.Version == 0 {
		spec.Version = 1
	}
	spec.CreatedAt = time.Now()

	data, err := json.Marshal(spec)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal spec: %w", err)
	}
	if _, err := s.specs.Create(ctx, id.ID, data); err != nil {
		return EntityID{}, fmt.Errorf("store spec: %w", err)
	}
	return id, nil
}

// GetSpec retrieves a Specification by ID.
func (s *Store) GetSpec(ctx context.Context, id EntityID) (*Specification, error) {
	if id.Type != EntityTypeSpec {
		return nil, fmt.Errorf("invalid entity type: expected spec, got %s", id.Type)
	}
	entry, err := s.specs.Get(ctx, id.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get spec: %w", err)
	}
	var spec Specification
	if err := json.Unmarshal(entry.Value(), &spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	return &spec, nil
}

// ListSpecsByIntent returns every Specification version for an Intent.
func (s *Store) ListSpecsByIntent(ctx context.Context, intentID EntityID) ([]*Specification, error) {
	keys, err := listDataKeys(ctx, s.specs)
	if err != nil {
		return nil, err
	}
	out := make([]*Specification, 0)
	for _, key := range keys {
		entry, err := s.specs.Get(ctx, key)
		if err != nil {
			continue
		}
		var spec Specification
		if err := json.Unmarshal(entry.Value(), &spec); err != nil {
			continue
		}
		if spec.IntentID == intentID.String() {
			out = append(out, &spec)
		}
	}
	return out, nil
}

// --- Attempt ---

// CreateAttempt creates a new Attempt and returns its ID.
func (s *Store) CreateAttempt(ctx context.Context, at *Attempt) (EntityID, error) {
	id := NewEntityID(EntityTypeAttempt)
	at.ID = id.String()
	if at.Status == "" {
		at.Status = AttemptPending
	}
	at.CreatedAt = time.Now()
	at.UpdatedAt = at.CreatedAt

	data, err := json.Marshal(at)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal attempt: %w", err)
	}
	if _, err := s.attempts.Create(ctx, id.ID, data); err != nil {
		return EntityID{}, fmt.Errorf("store attempt: %w", err)
	}
	return id, nil
}

// GetAttempt retrieves an Attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id EntityID) (*Attempt, error) {
	if id.Type != EntityTypeAttempt {
		return nil, fmt.Errorf("invalid entity type: expected attempt, got %s", id.Type)
	}
	entry, err := s.attempts.Get(ctx, id.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	var at Attempt
	if err := json.Unmarshal(entry.Value(), &at); err != nil {
		return nil, fmt.Errorf("unmarshal attempt: %w", err)
	}
	return &at, nil
}

// UpdateAttemptStatus transitions an Attempt to newStatus with the same
// contention-retry policy as UpdateIntentStatus.
func (s *Store) UpdateAttemptStatus(ctx context.Context, id EntityID, newStatus AttemptStatus) error {
	key := id.ID
	var lastErr error

	for attempt := 0; attempt < maxContentionRetries; attempt++ {
		entry, err := s.attempts.Get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("get attempt: %w", err)
		}

		var at Attempt
		if err := json.Unmarshal(entry.Value(), &at); err != nil {
			return fmt.Errorf("unmarshal attempt: %w", err)
		}

		at.Status = newStatus
		at.UpdatedAt = time.Now()

		data, err := json.Marshal(&at)
		if err != nil {
			return fmt.Errorf("marshal attempt: %w", err)
		}

		_, err = s.attempts.Update(ctx, key, data, entry.Revision())
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(contentionBackoff(attempt)):
		}
	}

	return &StorageContentionError{Key: key, Retries: maxContentionRetries, err: lastErr}
}

// ListAttemptsBySpec returns every Attempt generated for a Specification.
func (s *Store) ListAttemptsBySpec(ctx context.Context, specID EntityID) ([]*Attempt, error) {
	keys, err := listDataKeys(ctx, s.attempts)
	if err != nil {
		return nil, err
	}
	out := make([]*Attempt, 0)
	for _, key := range keys {
		entry, err := s.attempts.Get(ctx, key)
		if err != nil {
			continue
		}
		var at Attempt
		if err := json.Unmarshal(entry.Value(), &at); err != nil {
			continue
		}
		if at.SpecID == specID.String() {
			out = append(out, &at)
		}
	}
	return out, nil
}

// --- Verification ---

// CreateVerification creates a new Verification and returns its ID.
func (s *Store) CreateVerification(ctx context.Context, v *Verification) (EntityID, error) {
	id := NewEntityID(EntityTypeVerification)
	v.ID = id.String()
	v.CreatedAt = time.Now()

	data, err := json.Marshal(v)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal verification: %w", err)
	}
	if _, err := s.verifications.Create(ctx, id.ID, data); err != nil {
		return EntityID{}, fmt.Errorf("store verification: %w", err)
	}
	return id, nil
}

// GetVerification retrieves a Verification by ID.
func (s *Store) GetVerification(ctx context.Context, id EntityID) (*Verification, error) {
	if id.Type != EntityTypeVerification {
		return nil, fmt.Errorf("invalid entity type: expected verification, got %s", id.Type)
	}
	entry, err := s.verifications.Get(ctx, id.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get verification: %w", err)
	}
	var v Verification
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return nil, fmt.Errorf("unmarshal verification: %w", err)
	}
	return &v, nil
}

// GetVerificationByAttempt retrieves the Verification for a given Attempt.
func (s *Store) GetVerificationByAttempt(ctx context.Context, attemptID EntityID) (*Verification, error) {
	keys, err := listDataKeys(ctx, s.verifications)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		entry, err := s.verifications.Get(ctx, key)
		if err != nil {
			continue
		}
		var v Verification
		if err := json.Unmarshal(entry.Value(), &v); err != nil {
			continue
		}
		if v.AttemptID == attemptID.String() {
			return &v, nil
		}
	}
	return nil, ErrNotFound
}

// --- Survivor ---

// CreateSurvivor creates a new Survivor and returns its ID.
func (s *Store) CreateSurvivor(ctx context.Context, sv *Survivor) (EntityID, error) {
	id := NewEntityID(EntityTypeSurvivor)
	sv.ID = id.String()
	sv.CreatedAt = time.Now()

	data, err := json.Marshal(sv)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal survivor: %w", err)
	}
	if _, err := s.survivors.Create(ctx, id.ID, data); err != nil {
		return EntityID{}, fmt.Errorf("store survivor: %w", err)
	}
	return id, nil
}

// GetSurvivor retrieves a Survivor by ID.
func (s *Store) GetSurvivor(ctx context.Context, id EntityID) (*Survivor, error) {
	if id.Type != EntityTypeSurvivor {
		return nil, fmt.Errorf("invalid entity type: expected survivor, got %s", id.Type)
	}
	entry, err := s.survivors.Get(ctx, id.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get survivor: %w", err)
	}
	var sv Survivor
	if err := json.Unmarshal(entry.Value(), &sv); err != nil {
		return nil, fmt.Errorf("unmarshal survivor: %w", err)
	}
	return &sv, nil
}

// MarkSurvivorPresented sets a Survivor's presented flag, with the same
// contention-retry policy as the other status updates.
func (s *Store) MarkSurvivorPresented(ctx context.Context, id EntityID) error {
	key := id.ID
	var lastErr error

	for attempt := 0; attempt < maxContentionRetries; attempt++ {
		entry, err := s.survivors.Get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("get survivor: %w", err)
		}

		var sv Survivor
		if err := json.Unmarshal(entry.Value(), &sv); err != nil {
			return fmt.Errorf("unmarshal survivor: %w", err)
		}
		sv.Presented = true

		data, err := json.Marshal(&sv)
		if err != nil {
			return fmt.Errorf("marshal survivor: %w", err)
		}

		_, err = s.survivors.Update(ctx, key, data, entry.Revision())
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(contentionBackoff(attempt)):
		}
	}

	return &StorageContentionError{Key: key, Retries: maxContentionRetries, err: lastErr}
}

// ListSurvivorsByIntent returns every stored Survivor whose AttemptID is
// in attemptIDs, across all generation/verification cycles. intentID is
// not consulted; Survivors carry no Intent id of their own.
func (s *Store) ListSurvivorsByIntent(ctx context.Context, intentID EntityID, attemptIDs map[string]bool) ([]*Survivor, error) {
	keys, err := listDataKeys(ctx, s.survivors)
	if err != nil {
		return nil, err
	}
	out := make([]*Survivor, 0)
	for _, key := range keys {
		entry, err := s.survivors.Get(ctx, key)
		if err != nil {
			continue
		}
		var sv Survivor
		if err := json.Unmarshal(entry.Value(), &sv); err != nil {
			continue
		}
		if attemptIDs[sv.AttemptID] {
			out = append(out, &sv)
		}
	}
	return out, nil
}

// --- Judgment ---

// CreateJudgment creates a new Judgment and returns its ID.
func (s *Store) CreateJudgment(ctx context.Context, j *Judgment) (EntityID, error) {
	id := NewEntityID(EntityTypeJudgment)
	j.ID = id.String()
	j.CreatedAt = time.Now()

	data, err := json.Marshal(j)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal judgment: %w", err)
	}
	if _, err := s.judgments.Create(ctx, id.ID, data); err != nil {
		return EntityID{}, fmt.Errorf("store judgment: %w", err)
	}
	return id, nil
}

// GetJudgment retrieves a Judgment by ID.
func (s *Store) GetJudgment(ctx context.Context, id EntityID) (*Judgment, error) {
	if id.Type != EntityTypeJudgment {
		return nil, fmt.Errorf("invalid entity type: expected judgment, got %s", id.Type)
	}
	entry, err := s.judgments.Get(ctx, id.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get judgment: %w", err)
	}
	var j Judgment
	if err := json.Unmarshal(entry.Value(), &j); err != nil {
		return nil, fmt.Errorf("unmarshal judgment: %w", err)
	}
	return &j, nil
}

// ListJudgmentsByIntent returns every Judgment recorded for an Intent, in
// no particular order; callers sort by CreatedAt if ordering matters.
func (s *Store) ListJudgmentsByIntent(ctx context.Context, intentID EntityID) ([]*Judgment, error) {
	keys, err := listDataKeys(ctx, s.judgments)
	if err != nil {
		return nil, err
	}
	out := make([]*Judgment, 0)
	for _, key := range keys {
		entry, err := s.judgments.Get(ctx, key)
		if err != nil {
			continue
		}
		var j Judgment
		if err := json.Unmarshal(entry.Value(), &j); err != nil {
			continue
		}
		if j.IntentID == intentID.String() {
			out = append(out, &j)
		}
	}
	return out, nil
}

// listDataKeys returns a bucket's keys excluding the internal schema
// version stamp.
func listDataKeys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == schemaVersionKey {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// contentionBackoff computes bounded exponential backoff for the busy
// retry policy, capped at 1 second.
func contentionBackoff(attempt int) time.Duration {
	d := contentionBackoffBase << attempt
	if d > time.Second {
		return time.Second
	}
	return d
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
