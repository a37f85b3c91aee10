// Package mongostore is a MongoDB-backed alternative to store.Store for
// deployments that run the orchestrator across multiple hosts sharing one
// database rather than a shared filesystem. It persists the same three
// artifacts — run summary, run state, and the event journal — as documents
// and a capped-free append collection instead of files, but keeps the same
// per-run in-process locking discipline: nothing here claims a cross-process
// Mongo lock, matching spec.md's explicit non-goal of distributed locking.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowstep/orchestrator/types"
)

const (
	defaultRunsCollection   = "orchestrator_runs"
	defaultEventsCollection = "orchestrator_events"
	defaultOpTimeout        = 5 * time.Second
)

// Options configures a Store.
type Options struct {
	Client           *mongodriver.Client
	Database         string
	RunsCollection   string
	EventsCollection string
	Timeout          time.Duration
}

// Store is a MongoDB-backed implementation covering the same run-summary,
// run-state, and event-journal responsibilities as store.Store.
type Store struct {
	client  *mongodriver.Client
	runs    collection
	events  collection
	timeout time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	seqMu sync.Mutex
	seq   map[string]int64
}

// New connects the collections and ensures their indexes exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	runsName := opts.RunsCollection
	if runsName == "" {
		runsName = defaultRunsCollection
	}
	eventsName := opts.EventsCollection
	if eventsName == "" {
		eventsName = defaultEventsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	runs := mongoCollection{coll: db.Collection(runsName)}
	events := mongoCollection{coll: db.Collection(eventsName)}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(ictx, runs, events); err != nil {
		return nil, fmt.Errorf("mongostore: ensure indexes: %w", err)
	}

	return &Store{
		client:  opts.Client,
		runs:    runs,
		events:  events,
		timeout: timeout,
		locks:   make(map[string]*sync.Mutex),
		seq:     make(map[string]int64),
	}, nil
}

// Ping reports whether the underlying Mongo client is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) lockFor(runID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

type runDocument struct {
	RunID   string          `bson:"_id"`
	Summary types.RunSummary `bson:"summary"`
	State   types.RunState  `bson:"state"`
}

// WriteSummary upserts the RunSummary half of the run document.
func (s *Store) WriteSummary(ctx context.Context, runID string, summary types.RunSummary) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.runs.UpdateOne(ctx,
		bson.M{"_id": runID},
		bson.M{"$set": bson.M{"summary": summary}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// ReadSummary fetches the RunSummary half of the run document.
func (s *Store) ReadSummary(ctx context.Context, runID string) (types.RunSummary, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return types.RunSummary{}, false, nil
		}
		return types.RunSummary{}, false, err
	}
	return doc.Summary, true, nil
}

// UpdateSummary performs a locked read-modify-write merge, mirroring
// store.Store.UpdateSummary's semantics over a Mongo document instead of a
// file.
func (s *Store) UpdateSummary(ctx context.Context, runID string, patch map[string]any) (types.RunSummary, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	summary, _, err := s.ReadSummary(ctx, runID)
	if err != nil {
		return types.RunSummary{}, err
	}
	if err := types.ApplyPatch(&summary, patch); err != nil {
		return types.RunSummary{}, err
	}
	summary.UpdatedAt = time.Now().UTC()
	if err := s.WriteSummary(ctx, runID, summary); err != nil {
		return types.RunSummary{}, err
	}
	return summary, nil
}

// WriteRunState upserts the RunState half of the run document.
func (s *Store) WriteRunState(ctx context.Context, runID string, rs types.RunState) error {
	rs.Timestamp = time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.runs.UpdateOne(ctx,
		bson.M{"_id": runID},
		bson.M{"$set": bson.M{"state": rs}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// ReadRunState fetches the RunState half of the run document.
func (s *Store) ReadRunState(ctx context.Context, runID string) (types.RunState, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return types.RunState{}, false, nil
		}
		return types.RunState{}, false, err
	}
	return doc.State, true, nil
}

// CommitStepCompletion merges a HandoffEnvelope into run state under the
// run's lock, the same atomic primitive store.Store.CommitStepCompletion
// provides, here backed by a single Mongo document update instead of a
// write-envelope-then-rewrite-state file pair.
func (s *Store) CommitStepCompletion(ctx context.Context, runID string, env types.HandoffEnvelope, runStatePatch map[string]any) (types.RunState, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	rs, _, err := s.ReadRunState(ctx, runID)
	if err != nil {
		return types.RunState{}, err
	}
	if rs.HandoffEnvelopes == nil {
		rs.HandoffEnvelopes = make(map[string]types.HandoffEnvelope)
	}
	rs.HandoffEnvelopes[env.StepID] = env
	if err := types.ApplyPatch(&rs, runStatePatch); err != nil {
		return types.RunState{}, err
	}
	if err := s.WriteRunState(ctx, runID, rs); err != nil {
		return types.RunState{}, err
	}
	return rs, nil
}

type eventDocument struct {
	types.RunEvent `bson:",inline"`
}

func (s *Store) nextSeq(ctx context.Context, runID string) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if _, seeded := s.seq[runID]; !seeded {
		n, err := s.events.CountDocuments(ctx, bson.M{"run_id": runID})
		if err != nil {
			return 0, err
		}
		s.seq[runID] = n
	}
	s.seq[runID]++
	return s.seq[runID], nil
}

// AppendEvent inserts a RunEvent document, assigning Seq and EventID as
// store.Store.AppendEvent does. Unlike store.Store.AppendEvent it neither
// logs nor swallows failures: sequencing and insert errors are returned to
// the caller.
func (s *Store) AppendEvent(ctx context.Context, ev *types.RunEvent) error {
	if ev == nil || ev.RunID == "" {
		return nil
	}
	lock := s.lockFor(ev.RunID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	seq, err := s.nextSeq(ctx, ev.RunID)
	if err != nil {
		return err
	}
	ev.Seq = seq
	if ev.EventID == "" {
		ev.EventID = bson.NewObjectID().Hex()
	}
	_, err = s.events.InsertOne(ctx, eventDocument{RunEvent: *ev})
	return err
}

// ReadEvents returns every event for a run in ascending Seq order.
func (s *Store) ReadEvents(ctx context.Context, runID string) ([]types.RunEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.events.Find(ctx, bson.M{"run_id": runID}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []eventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]types.RunEvent, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.RunEvent)
	}
	return out, nil
}

func ensureIndexes(ctx context.Context, runs, events collection) error {
	if _, err := events.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
	}); err != nil {
		return err
	}
	return nil
}

// collection narrows *mongo.Collection to the operations mongostore needs,
// so tests can supply a fake without dialing a real server.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongodriver.SingleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongodriver.Cursor, error)
	CountDocuments(ctx context.Context, filter any, opts ...options.Lister[options.CountOptions]) (int64, error)
	Indexes() mongodriver.IndexView
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongodriver.SingleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongodriver.Cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...options.Lister[options.CountOptions]) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() mongodriver.IndexView {
	return c.coll.Indexes()
}
