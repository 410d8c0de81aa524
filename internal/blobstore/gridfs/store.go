// Package gridfs implements blobstore.Store on a MongoDB GridFS bucket.
package gridfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mgridfs "go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"certificate-backend/internal/blobstore"
)

// DefaultBucket is the bucket certificates have always been stored in.
const DefaultBucket = "images"

// Store keeps blobs in GridFS: bytes in <bucket>.chunks and records in
// <bucket>.files with the blob metadata under the "metadata" key.
type Store struct {
	handle *Handle
	bucket string
	now    func() time.Time
}

// New constructs a Store on the named bucket.
func New(h *Handle, bucket string) *Store {
	if strings.TrimSpace(bucket) == "" {
		bucket = DefaultBucket
	}
	return &Store{
		handle: h,
		bucket: bucket,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type metadataDoc struct {
	Version        int       `bson:"version"`
	OwnerID        string    `bson:"ownerId,omitempty"`
	LegacyUserID   string    `bson:"userId,omitempty"`
	OriginalName   string    `bson:"originalName"`
	ContentType    string    `bson:"contentType"`
	UploadedAt     time.Time `bson:"uploadedAt"`
	CorrelationID  string    `bson:"correlationId,omitempty"`
	PageNumber     int       `bson:"pageNumber,omitempty"`
	SourceDocument string    `bson:"sourceDocument,omitempty"`
	Checksum       string    `bson:"checksum,omitempty"`
}

type fileDoc struct {
	ID          primitive.ObjectID `bson:"_id"`
	Length      int64              `bson:"length"`
	UploadDate  time.Time          `bson:"uploadDate"`
	Filename    string             `bson:"filename"`
	ContentType string             `bson:"contentType,omitempty"`
	Metadata    metadataDoc        `bson:"metadata"`
}

func toMetadataDoc(m blobstore.Metadata) metadataDoc {
	return metadataDoc{
		Version:        m.Version,
		OwnerID:        m.OwnerID,
		OriginalName:   m.OriginalName,
		ContentType:    m.ContentType,
		UploadedAt:     m.UploadedAt,
		CorrelationID:  m.CorrelationID,
		PageNumber:     m.PageNumber,
		SourceDocument: m.SourceDocument,
		Checksum:       m.Checksum,
	}
}

// toRecord also accepts files written before metadata was versioned, which
// carried the owner as userId and the type only on the files document.
func (f fileDoc) toRecord() blobstore.Record {
	md := f.Metadata
	owner := md.OwnerID
	if owner == "" {
		owner = md.LegacyUserID
	}
	contentType := md.ContentType
	if contentType == "" {
		contentType = f.ContentType
	}
	contentType = blobstore.NormalizeType(contentType)
	uploaded := md.UploadedAt
	if uploaded.IsZero() {
		uploaded = f.UploadDate
	}
	name := md.OriginalName
	if name == "" {
		name = f.Filename
	}
	return blobstore.Record{
		ID:          f.ID.Hex(),
		Filename:    f.Filename,
		ContentType: contentType,
		SizeBytes:   f.Length,
		UploadedAt:  f.UploadDate,
		Metadata: blobstore.Metadata{
			Version:        md.Version,
			OwnerID:        owner,
			OriginalName:   name,
			ContentType:    contentType,
			UploadedAt:     uploaded,
			CorrelationID:  md.CorrelationID,
			PageNumber:     md.PageNumber,
			SourceDocument: md.SourceDocument,
			Checksum:       md.Checksum,
		},
	}
}

func (s *Store) files(ctx context.Context) (*mongo.Collection, error) {
	db, err := s.handle.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return db.Collection(s.bucket + ".files"), nil
}

func (s *Store) openBucket(ctx context.Context) (*mgridfs.Bucket, error) {
	db, err := s.handle.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	b, err := mgridfs.NewBucket(db, options.GridFSBucket().SetName(s.bucket))
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", s.bucket, err)
	}
	return b, nil
}

type writer struct {
	stream *mgridfs.UploadStream
	record blobstore.Record
	done   bool
}

// OpenWrite starts a GridFS upload stream.
func (s *Store) OpenWrite(ctx context.Context, filename, contentType string, meta blobstore.Metadata) (blobstore.Writer, error) {
	meta.ContentType = blobstore.NormalizeType(contentType)
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if meta.Version == 0 {
		meta.Version = blobstore.MetadataVersion
	}
	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = s.now()
	}

	bucket, err := s.openBucket(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := bucket.OpenUploadStream(filename, options.GridFSUpload().SetMetadata(toMetadataDoc(meta)))
	if err != nil {
		return nil, classify(fmt.Errorf("open upload %s: %w", filename, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	return &writer{
		stream: stream,
		record: blobstore.Record{
			Filename:    filename,
			ContentType: meta.ContentType,
			UploadedAt:  meta.UploadedAt,
			Metadata:    meta,
		},
	}, nil
}

func (w *writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("gridfs writer already finished")
	}
	n, err := w.stream.Write(p)
	w.record.SizeBytes += int64(n)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// Commit flushes the last chunk and writes the files document.
func (w *writer) Commit() (blobstore.Record, error) {
	if w.done {
		return blobstore.Record{}, errors.New("gridfs writer already finished")
	}
	w.done = true
	if err := w.stream.Close(); err != nil {
		_ = w.stream.Abort()
		return blobstore.Record{}, classify(fmt.Errorf("close upload %s: %w", w.record.Filename, err))
	}
	oid, ok := w.stream.FileID.(primitive.ObjectID)
	if !ok {
		return blobstore.Record{}, fmt.Errorf("unexpected file id type %T", w.stream.FileID)
	}
	w.record.ID = oid.Hex()
	return w.record, nil
}

// Abort removes any chunks already written.
func (w *writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.stream.Abort()
}

type reader struct {
	stream *mgridfs.DownloadStream
	record blobstore.Record
}

func (r *reader) Read(p []byte) (int, error) { return r.stream.Read(p) }
func (r *reader) Close() error               { return r.stream.Close() }
func (r *reader) Record() blobstore.Record   { return r.record }

// OpenRead opens a download stream for id.
func (s *Store) OpenRead(ctx context.Context, id string) (blobstore.Reader, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	bucket, err := s.openBucket(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := bucket.OpenDownloadStream(oid)
	if errors.Is(err, mgridfs.ErrFileNotFound) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("open download %s: %w", id, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}

	file := stream.GetFile()
	doc := fileDoc{ID: oid, Length: file.Length, UploadDate: file.UploadDate, Filename: file.Name}
	if len(file.Metadata) > 0 {
		if err := bson.Unmarshal(file.Metadata, &doc.Metadata); err != nil {
			_ = stream.Close()
			return nil, fmt.Errorf("decode metadata %s: %w", id, err)
		}
	}
	return &reader{stream: stream, record: doc.toRecord()}, nil
}

// Get loads the files document for id.
func (s *Store) Get(ctx context.Context, id string) (blobstore.Record, error) {
	oid, err := parseID(id)
	if err != nil {
		return blobstore.Record{}, err
	}
	coll, err := s.files(ctx)
	if err != nil {
		return blobstore.Record{}, err
	}
	var doc fileDoc
	err = coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return blobstore.Record{}, blobstore.ErrNotFound
	}
	if err != nil {
		return blobstore.Record{}, classify(err)
	}
	return doc.toRecord(), nil
}

// Find queries the files collection, newest first.
func (s *Store) Find(ctx context.Context, q blobstore.Query, p blobstore.Projection) ([]blobstore.Record, error) {
	filter, ok := buildFilter(q)
	if !ok {
		return []blobstore.Record{}, nil
	}
	coll, err := s.files(ctx)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "uploadDate", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if p == blobstore.ProjectionSummary {
		opts.SetProjection(bson.M{
			"metadata.correlationId":  0,
			"metadata.checksum":       0,
			"metadata.sourceDocument": 0,
		})
	}

	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(err)
	}
	defer cur.Close(ctx)

	out := []blobstore.Record{}
	for cur.Next(ctx) {
		var doc fileDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode file: %w", err)
		}
		out = append(out, p.Apply(doc.toRecord()))
	}
	if err := cur.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// buildFilter reports false when q can match nothing, e.g. every id is malformed.
func buildFilter(q blobstore.Query) (bson.M, bool) {
	filter := bson.M{}
	if q.OwnerID != "" {
		filter["$or"] = bson.A{
			bson.M{"metadata.ownerId": q.OwnerID},
			bson.M{"metadata.userId": q.OwnerID},
		}
	}
	if len(q.IDs) > 0 {
		oids := make([]primitive.ObjectID, 0, len(q.IDs))
		for _, id := range q.IDs {
			if oid, err := parseID(id); err == nil {
				oids = append(oids, oid)
			}
		}
		if len(oids) == 0 {
			return nil, false
		}
		filter["_id"] = bson.M{"$in": oids}
	}
	return filter, true
}

// Delete removes the files document and then its chunks.
func (s *Store) Delete(ctx context.Context, id string) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	db, err := s.handle.Acquire(ctx)
	if err != nil {
		return err
	}
	res, err := db.Collection(s.bucket+".files").DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return classify(err)
	}
	if res.DeletedCount == 0 {
		return blobstore.ErrNotFound
	}
	if _, err := db.Collection(s.bucket+".chunks").DeleteMany(ctx, bson.M{"files_id": oid}); err != nil {
		return classify(fmt.Errorf("delete chunks %s: %w", id, err))
	}
	return nil
}

// SetOriginalName updates metadata.originalName.
func (s *Store) SetOriginalName(ctx context.Context, id, name string) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	coll, err := s.files(ctx)
	if err != nil {
		return err
	}
	res, err := coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{"metadata.originalName": name}})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return blobstore.ErrNotFound
	}
	return nil
}

// Reassign moves ownership of every file from one owner to another.
func (s *Store) Reassign(ctx context.Context, fromOwner, toOwner string) (int64, error) {
	coll, err := s.files(ctx)
	if err != nil {
		return 0, err
	}
	filter := bson.M{"$or": bson.A{
		bson.M{"metadata.ownerId": fromOwner},
		bson.M{"metadata.userId": fromOwner},
	}}
	update := bson.M{
		"$set":   bson.M{"metadata.ownerId": toOwner},
		"$unset": bson.M{"metadata.userId": ""},
	}
	res, err := coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, classify(err)
	}
	return res.ModifiedCount, nil
}

// Ping forces a liveness probe of the shared handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.handle.Ping(ctx)
}

// EnsureIndexes creates the owner listing index on the files collection.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	coll, err := s.files(ctx)
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "metadata.ownerId", Value: 1}, {Key: "uploadDate", Value: -1}},
		Options: options.Index().SetName("owner_uploaded"),
	})
	return classify(err)
}

func parseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(strings.TrimSpace(id))
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", blobstore.ErrInvalidID, id)
	}
	return oid, nil
}

// classify maps connectivity failures to blobstore.ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return blobstore.Unavailable(err)
	}
	return err
}

var _ blobstore.Store = (*Store)(nil)
