// Package mongo implements the note store backed by MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/notesync/internal/config"
	"github.com/chirino/notesync/internal/model"
	registrymigrate "github.com/chirino/notesync/internal/registry/migrate"
	registrystore "github.com/chirino/notesync/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const dbName = "notesync"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.RemoteStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return &MongoStore{client: client, db: client.Database(dbName)}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DatastoreType != "mongo" || cfg.DBURL == "" {
		return nil
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)

	collections := map[string][]mongo.IndexModel{
		"notes": {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "group_id", Value: 1}}},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "pinned", Value: 1}}},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "locked", Value: 1}}},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "synced", Value: 1}}},
		},
		"groups": {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{
				Keys:    bson.D{{Key: "owner_id", Value: 1}, {Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}

	for name, indexes := range collections {
		db.CreateCollection(ctx, name)
		if len(indexes) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}
	return nil
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ registrystore.RemoteStore = (*MongoStore)(nil)

func (s *MongoStore) notes() *mongo.Collection  { return s.db.Collection("notes") }
func (s *MongoStore) groups() *mongo.Collection { return s.db.Collection("groups") }

type noteDoc struct {
	ID        string    `bson:"_id"`
	OwnerID   string    `bson:"owner_id"`
	Title     string    `bson:"title"`
	Content   string    `bson:"content"`
	Images    []string  `bson:"images,omitempty"`
	GroupID   *string   `bson:"group_id,omitempty"`
	Pinned    bool      `bson:"pinned"`
	Locked    bool      `bson:"locked"`
	Synced    bool      `bson:"synced"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type groupDoc struct {
	ID        string    `bson:"_id"`
	OwnerID   string    `bson:"owner_id"`
	Name      string    `bson:"name"`
	NoteCount int64     `bson:"note_count"`
	CreatedAt time.Time `bson:"created_at"`
}

func noteFromDoc(d noteDoc) model.Note {
	return model.Note{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		Title:     d.Title,
		Content:   d.Content,
		Images:    d.Images,
		GroupID:   d.GroupID,
		Pinned:    d.Pinned,
		Locked:    d.Locked,
		Synced:    d.Synced,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func groupFromDoc(d groupDoc) model.Group {
	return model.Group{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		Name:      d.Name,
		NoteCount: d.NoteCount,
		CreatedAt: d.CreatedAt,
	}
}

func noteFilterToBson(ownerID string, f registrystore.NoteFilter) bson.M {
	filter := bson.M{"owner_id": ownerID}
	if f.GroupID != nil {
		filter["group_id"] = *f.GroupID
	}
	if f.Pinned != nil {
		filter["pinned"] = *f.Pinned
	}
	if f.Locked != nil {
		filter["locked"] = *f.Locked
	}
	if f.Synced != nil {
		filter["synced"] = *f.Synced
	}
	if f.Keyword != "" {
		kw := regexp.QuoteMeta(f.Keyword)
		filter["$or"] = bson.A{
			bson.M{"title": bson.M{"$regex": kw, "$options": "i"}},
			bson.M{"content": bson.M{"$regex": kw, "$options": "i"}},
		}
	}
	return filter
}

func (s *MongoStore) QueryNotes(ctx context.Context, ownerID string, f registrystore.NoteFilter, limit int, afterCursor *string) (*registrystore.NotePage, error) {
	filter := noteFilterToBson(ownerID, f)

	if afterCursor != nil {
		var cursorDoc noteDoc
		err := s.notes().FindOne(ctx, bson.M{"_id": *afterCursor, "owner_id": ownerID}).Decode(&cursorDoc)
		if err == nil {
			// Newest first, so everything after the cursor is older.
			filter["created_at"] = bson.M{"$lt": cursorDoc.CreatedAt}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.notes().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	var docs []noteDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode notes: %w", err)
	}

	page := &registrystore.NotePage{Notes: make([]model.Note, len(docs)), RawCount: len(docs)}
	for i, d := range docs {
		page.Notes[i] = noteFromDoc(d)
	}
	if len(docs) > 0 {
		last := docs[len(docs)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

func (s *MongoStore) CreateNote(ctx context.Context, ownerID string, note model.Note) (*model.Note, error) {
	now := time.Now().UTC()
	doc := noteDoc{
		ID:        note.ID,
		OwnerID:   ownerID,
		Title:     note.Title,
		Content:   note.Content,
		Images:    note.Images,
		GroupID:   note.GroupID,
		Pinned:    note.Pinned,
		Locked:    note.Locked,
		Synced:    note.Synced,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if !note.CreatedAt.IsZero() {
		doc.CreatedAt = note.CreatedAt
	}

	if _, err := s.notes().InsertOne(ctx, doc); err != nil {
		return nil, &registrystore.RemoteWriteError{Op: "create-note", ID: doc.ID, Err: err}
	}
	if doc.GroupID != nil {
		if err := s.adjustGroupCount(ctx, ownerID, *doc.GroupID, 1); err != nil {
			return nil, err
		}
	}
	created := noteFromDoc(doc)
	return &created, nil
}

func (s *MongoStore) UpdateNote(ctx context.Context, ownerID string, noteID string, patch registrystore.NotePatch) (*model.Note, error) {
	var before noteDoc
	err := s.notes().FindOne(ctx, bson.M{"_id": noteID, "owner_id": ownerID}).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "note", ID: noteID}
		}
		return nil, fmt.Errorf("failed to load note: %w", err)
	}

	set := bson.M{"updated_at": time.Now().UTC()}
	unset := bson.M{}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Content != nil {
		set["content"] = *patch.Content
	}
	if patch.Images != nil {
		set["images"] = *patch.Images
	}
	if patch.ClearGroupID {
		unset["group_id"] = ""
	} else if patch.GroupID != nil {
		set["group_id"] = *patch.GroupID
	}
	if patch.Pinned != nil {
		set["pinned"] = *patch.Pinned
	}
	if patch.Locked != nil {
		set["locked"] = *patch.Locked
	}
	if patch.Synced != nil {
		set["synced"] = *patch.Synced
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	res := s.notes().FindOneAndUpdate(ctx,
		bson.M{"_id": noteID, "owner_id": ownerID},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After))
	var after noteDoc
	if err := res.Decode(&after); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "note", ID: noteID}
		}
		return nil, &registrystore.RemoteWriteError{Op: "update-note", ID: noteID, Err: err}
	}

	if err := s.reconcileGroupCounts(ctx, ownerID, before.GroupID, after.GroupID); err != nil {
		return nil, err
	}
	updated := noteFromDoc(after)
	return &updated, nil
}

func (s *MongoStore) DeleteNote(ctx context.Context, ownerID string, noteID string) error {
	res := s.notes().FindOneAndDelete(ctx, bson.M{"_id": noteID, "owner_id": ownerID})
	var doc noteDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &registrystore.NotFoundError{Resource: "note", ID: noteID}
		}
		return &registrystore.RemoteWriteError{Op: "delete-note", ID: noteID, Err: err}
	}
	if doc.GroupID != nil {
		return s.adjustGroupCount(ctx, ownerID, *doc.GroupID, -1)
	}
	return nil
}

func (s *MongoStore) QueryGroups(ctx context.Context, ownerID string, limit int, afterCursor *string) (*registrystore.GroupPage, error) {
	filter := bson.M{"owner_id": ownerID}
	if afterCursor != nil {
		var cursorDoc groupDoc
		err := s.groups().FindOne(ctx, bson.M{"_id": *afterCursor, "owner_id": ownerID}).Decode(&cursorDoc)
		if err == nil {
			filter["created_at"] = bson.M{"$gt": cursorDoc.CreatedAt}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.groups().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	var docs []groupDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode groups: %w", err)
	}

	page := &registrystore.GroupPage{Groups: make([]model.Group, len(docs))}
	for i, d := range docs {
		page.Groups[i] = groupFromDoc(d)
	}
	if len(docs) > 0 {
		last := docs[len(docs)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

func (s *MongoStore) CreateGroup(ctx context.Context, ownerID string, name string) (*model.Group, error) {
	doc := groupDoc{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.groups().InsertOne(ctx, doc); err != nil {
		return nil, &registrystore.RemoteWriteError{Op: "create-group", ID: doc.ID, Err: err}
	}
	created := groupFromDoc(doc)
	return &created, nil
}

func (s *MongoStore) UpdateGroup(ctx context.Context, ownerID string, groupID string, patch registrystore.GroupPatch) (*model.Group, error) {
	set := bson.M{}
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if len(set) == 0 {
		var doc groupDoc
		if err := s.groups().FindOne(ctx, bson.M{"_id": groupID, "owner_id": ownerID}).Decode(&doc); err != nil {
			return nil, &registrystore.NotFoundError{Resource: "group", ID: groupID}
		}
		g := groupFromDoc(doc)
		return &g, nil
	}

	res := s.groups().FindOneAndUpdate(ctx,
		bson.M{"_id": groupID, "owner_id": ownerID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After))
	var doc groupDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "group", ID: groupID}
		}
		return nil, &registrystore.RemoteWriteError{Op: "update-group", ID: groupID, Err: err}
	}
	g := groupFromDoc(doc)
	return &g, nil
}

func (s *MongoStore) DeleteGroup(ctx context.Context, ownerID string, groupID string) error {
	res, err := s.groups().DeleteOne(ctx, bson.M{"_id": groupID, "owner_id": ownerID})
	if err != nil {
		return &registrystore.RemoteWriteError{Op: "delete-group", ID: groupID, Err: err}
	}
	if res.DeletedCount == 0 {
		return &registrystore.NotFoundError{Resource: "group", ID: groupID}
	}
	// Member notes fall back to the ungrouped state.
	_, err = s.notes().UpdateMany(ctx,
		bson.M{"owner_id": ownerID, "group_id": groupID},
		bson.M{"$unset": bson.M{"group_id": ""}, "$set": bson.M{"updated_at": time.Now().UTC()}})
	if err != nil {
		return &registrystore.RemoteWriteError{Op: "delete-group", ID: groupID, Err: err}
	}
	return nil
}

func (s *MongoStore) CountNotes(ctx context.Context, ownerID string, f registrystore.NoteFilter) (int64, error) {
	n, err := s.notes().CountDocuments(ctx, noteFilterToBson(ownerID, f))
	if err != nil {
		return 0, fmt.Errorf("failed to count notes: %w", err)
	}
	return n, nil
}

func (s *MongoStore) adjustGroupCount(ctx context.Context, ownerID, groupID string, delta int64) error {
	_, err := s.groups().UpdateOne(ctx,
		bson.M{"_id": groupID, "owner_id": ownerID},
		bson.M{"$inc": bson.M{"note_count": delta}})
	if err != nil {
		return &registrystore.RemoteWriteError{Op: "adjust-group-count", ID: groupID, Err: err}
	}
	return nil
}

func (s *MongoStore) reconcileGroupCounts(ctx context.Context, ownerID string, before, after *string) error {
	if before != nil && (after == nil || *after != *before) {
		if err := s.adjustGroupCount(ctx, ownerID, *before, -1); err != nil {
			return err
		}
	}
	if after != nil && (before == nil || *before != *after) {
		if err := s.adjustGroupCount(ctx, ownerID, *after, 1); err != nil {
			return err
		}
	}
	return nil
}
