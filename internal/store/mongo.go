package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tendant/simple-wordcounter/internal/histogram"
	"github.com/tendant/simple-wordcounter/internal/job"
)

// MongoCollection holds one document per job.
const MongoCollection = "jobs"

type mongoJob struct {
	ID        primitive.ObjectID  `bson:"_id,omitempty"`
	URL       string              `bson:"url"`
	Status    string              `bson:"status"`
	WordCount histogram.Histogram `bson:"word_count,omitempty"`
	Error     string              `bson:"error,omitempty"`
	CreatedAt time.Time           `bson:"created_at"`
	UpdatedAt time.Time           `bson:"updated_at"`
}

func (d mongoJob) toJob() (*job.Job, error) {
	st, err := job.ParseStatus(d.Status)
	if err != nil {
		return nil, err
	}
	return &job.Job{
		ID:        d.ID.Hex(),
		URL:       d.URL,
		Status:    st,
		WordCount: d.WordCount,
		Error:     d.Error,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

// Mongo stores jobs as documents keyed by ObjectID.
type Mongo struct {
	client *mongo.Client
	jobs   *mongo.Collection
}

// ConnectMongo dials uri, verifies the primary is reachable and indexes the
// jobs collection.
func ConnectMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("MONGO_URI is required for the mongo store")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	jobs := client.Database(database).Collection(MongoCollection)
	_, err = jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure mongo index: %w", err)
	}
	return &Mongo{client: client, jobs: jobs}, nil
}

func parseObjectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	return oid, nil
}

func (s *Mongo) Create(ctx context.Context, url string) (*job.Job, error) {
	now := time.Now().UTC()
	doc := mongoJob{
		URL:       url,
		Status:    string(job.StatusInProgress),
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := s.jobs.InsertOne(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return nil, fmt.Errorf("insert job: unexpected id type %T", res.InsertedID)
	}
	return s.Fetch(ctx, oid.Hex())
}

func (s *Mongo) Fetch(ctx context.Context, id string) (*job.Job, error) {
	oid, err := parseObjectID(id)
	if err != nil {
		return nil, err
	}
	var doc mongoJob
	if err := s.jobs.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return doc.toJob()
}

func (s *Mongo) Complete(ctx context.Context, id string, wc histogram.Histogram) (*job.Job, error) {
	if wc == nil {
		wc = histogram.Histogram{}
	}
	return s.update(ctx, id, bson.M{
		"$set": bson.M{
			"status":     string(job.StatusComplete),
			"word_count": wc,
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{"error": ""},
	})
}

func (s *Mongo) Fail(ctx context.Context, id string, msg string) (*job.Job, error) {
	return s.update(ctx, id, bson.M{
		"$set": bson.M{
			"status":     string(job.StatusFail),
			"error":      msg,
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{"word_count": ""},
	})
}

func (s *Mongo) update(ctx context.Context, id string, change bson.M) (*job.Job, error) {
	oid, err := parseObjectID(id)
	if err != nil {
		return nil, err
	}
	res, err := s.jobs.UpdateOne(ctx, bson.M{"_id": oid}, change)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Fetch(ctx, id)
}

func (s *Mongo) Exists(ctx context.Context, id string) (bool, error) {
	oid, err := parseObjectID(id)
	if err != nil {
		return false, err
	}
	n, err := s.jobs.CountDocuments(ctx, bson.M{"_id": oid}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count job %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *Mongo) ListStale(ctx context.Context, before time.Time, limit int) ([]job.Job, error) {
	// SetLimit(0) would mean unlimited.
	if limit <= 0 {
		return nil, nil
	}
	filter := bson.M{
		"status":     string(job.StatusInProgress),
		"updated_at": bson.M{"$lt": before.UTC()},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find stale jobs: %w", err)
	}
	defer cur.Close(ctx)

	var jobs []job.Job
	for cur.Next(ctx) {
		var doc mongoJob
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		j, err := doc.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, cur.Err()
}

func (s *Mongo) Healthy(ctx context.Context) bool {
	return s.client.Ping(ctx, readpref.Primary()) == nil
}

func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
