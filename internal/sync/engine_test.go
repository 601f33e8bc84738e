package sync

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chirino/notesync/internal/model"
	"github.com/chirino/notesync/internal/plugin/connectivity/manual"
	"github.com/chirino/notesync/internal/plugin/store/offline"
	registrystore "github.com/chirino/notesync/internal/registry/store"
	registryupload "github.com/chirino/notesync/internal/registry/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory RemoteStore tracking notes by id.
type fakeStore struct {
	mu    sync.Mutex
	notes map[string]model.Note
}

func newFakeStore(notes ...model.Note) *fakeStore {
	s := &fakeStore{notes: map[string]model.Note{}}
	for _, n := range notes {
		s.notes[n.ID] = n
	}
	return s
}

func (s *fakeStore) QueryNotes(ctx context.Context, ownerID string, filter registrystore.NoteFilter, limit int, afterCursor *string) (*registrystore.NotePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Note
	for _, n := range s.notes {
		if filter.Synced != nil && n.Synced != *filter.Synced {
			continue
		}
		out = append(out, n)
	}
	page := &registrystore.NotePage{Notes: out, RawCount: len(out)}
	if len(out) > 0 {
		last := out[len(out)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

func (s *fakeStore) CreateNote(ctx context.Context, ownerID string, note model.Note) (*model.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[note.ID] = note
	return &note, nil
}

func (s *fakeStore) UpdateNote(ctx context.Context, ownerID string, noteID string, patch registrystore.NotePatch) (*model.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[noteID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "note", ID: noteID}
	}
	if patch.Images != nil {
		n.Images = *patch.Images
	}
	if patch.Synced != nil {
		n.Synced = *patch.Synced
	}
	s.notes[noteID] = n
	return &n, nil
}

func (s *fakeStore) DeleteNote(ctx context.Context, ownerID string, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, noteID)
	return nil
}

func (s *fakeStore) QueryGroups(ctx context.Context, ownerID string, limit int, afterCursor *string) (*registrystore.GroupPage, error) {
	return &registrystore.GroupPage{}, nil
}

func (s *fakeStore) CreateGroup(ctx context.Context, ownerID string, name string) (*model.Group, error) {
	panic("not used")
}

func (s *fakeStore) UpdateGroup(ctx context.Context, ownerID string, groupID string, patch registrystore.GroupPatch) (*model.Group, error) {
	panic("not used")
}

func (s *fakeStore) DeleteGroup(ctx context.Context, ownerID string, groupID string) error {
	panic("not used")
}

func (s *fakeStore) CountNotes(ctx context.Context, ownerID string, filter registrystore.NoteFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.notes)), nil
}

func (s *fakeStore) get(id string) model.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notes[id]
}

// fakeUploader maps decoded payloads back to URLs and can be told to fail.
type fakeUploader struct {
	mu       sync.Mutex
	uploads  int
	failData map[string]bool // decoded content -> fail
	urls     map[string]string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{failData: map[string]bool{}, urls: map[string]string{}}
}

func (u *fakeUploader) Upload(ctx context.Context, payload registryupload.Payload) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	decoded, err := base64.StdEncoding.DecodeString(payload.Base64Data)
	if err != nil {
		return "", err
	}
	content := string(decoded)
	if u.failData[content] {
		return "", &registrystore.UploadError{Provider: "fake", RawResponse: "boom", Err: fmt.Errorf("upload rejected")}
	}
	u.uploads++
	url := u.urls[content]
	if url == "" {
		url = fmt.Sprintf("https://cdn.example.com/%d.png", u.uploads)
	}
	return url, nil
}

func writeImage(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return "file://" + path
}

func TestRunPassMigratesLocalImages(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	localRef := writeImage(t, dir, "a.png", "pixels-a")

	remote := newFakeStore(model.Note{
		ID:      "n1",
		OwnerID: "u1",
		Images:  []string{localRef, "https://cdn.example.com/b.png"},
	})
	store := offline.Wrap(remote)

	// Warm the snapshot so the disabled-network scan can see the note.
	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)

	uploader := newFakeUploader()
	uploader.urls["pixels-a"] = "https://cdn.example.com/a-uploaded.png"

	engine := NewEngine(store, uploader, manual.New(), "u1", 10)
	require.NoError(t, engine.RunPass(ctx))

	got := remote.get("n1")
	assert.Equal(t, []string{"https://cdn.example.com/a-uploaded.png", "https://cdn.example.com/b.png"}, got.Images)
	assert.True(t, got.Synced)
}

func TestRunPassKeepsFailedImageUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	localRef := writeImage(t, dir, "a.png", "pixels-a")

	remote := newFakeStore(model.Note{
		ID:      "n1",
		OwnerID: "u1",
		Images:  []string{localRef, "https://cdn.example.com/b.png"},
	})
	store := offline.Wrap(remote)
	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)

	uploader := newFakeUploader()
	uploader.failData["pixels-a"] = true

	engine := NewEngine(store, uploader, manual.New(), "u1", 10)
	require.NoError(t, engine.RunPass(ctx))

	got := remote.get("n1")
	assert.Equal(t, []string{localRef, "https://cdn.example.com/b.png"}, got.Images)
	assert.False(t, got.Synced)
}

func TestRunPassPartialMigrationStillMarksSynced(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	goodRef := writeImage(t, dir, "good.png", "pixels-good")
	badRef := writeImage(t, dir, "bad.png", "pixels-bad")

	remote := newFakeStore(model.Note{
		ID:      "n1",
		OwnerID: "u1",
		Images:  []string{goodRef, badRef},
	})
	store := offline.Wrap(remote)
	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)

	uploader := newFakeUploader()
	uploader.urls["pixels-good"] = "https://cdn.example.com/good.png"
	uploader.failData["pixels-bad"] = true

	engine := NewEngine(store, uploader, manual.New(), "u1", 10)
	require.NoError(t, engine.RunPass(ctx))

	got := remote.get("n1")
	assert.Equal(t, []string{"https://cdn.example.com/good.png", badRef}, got.Images)
	assert.True(t, got.Synced)
}

func TestRunPassSkipsUnreadableFile(t *testing.T) {
	ctx := context.Background()

	remote := newFakeStore(model.Note{
		ID:      "n1",
		OwnerID: "u1",
		Images:  []string{"file:///does/not/exist.png"},
	})
	store := offline.Wrap(remote)
	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)

	engine := NewEngine(store, newFakeUploader(), manual.New(), "u1", 10)
	require.NoError(t, engine.RunPass(ctx))

	got := remote.get("n1")
	assert.Equal(t, []string{"file:///does/not/exist.png"}, got.Images)
	assert.False(t, got.Synced)
}

func TestRunPassIgnoresNotesWithoutLocalImages(t *testing.T) {
	ctx := context.Background()

	remote := newFakeStore(model.Note{
		ID:      "n1",
		OwnerID: "u1",
		Images:  []string{"https://cdn.example.com/b.png"},
	})
	store := offline.Wrap(remote)
	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)

	engine := NewEngine(store, newFakeUploader(), manual.New(), "u1", 10)
	require.NoError(t, engine.RunPass(ctx))

	got := remote.get("n1")
	assert.False(t, got.Synced)
	assert.Equal(t, []string{"https://cdn.example.com/b.png"}, got.Images)
}

func TestRunPassReachesNotesBeyondRewoundCursor(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Newest-first scan order is n1..n5. The first three uploads fail, n4
	// succeeds and drops out of the unsynced set, rewinding the cursor to
	// the top. With page size 2 the rewound pages are full of already-seen
	// failures; n5 must still be reached in the same pass.
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var notes []model.Note
	for i := 1; i <= 5; i++ {
		ref := writeImage(t, dir, fmt.Sprintf("%d.png", i), fmt.Sprintf("pixels-%d", i))
		notes = append(notes, model.Note{
			ID:        fmt.Sprintf("n%d", i),
			OwnerID:   "u1",
			Images:    []string{ref},
			CreatedAt: base.Add(-time.Duration(i) * time.Hour),
		})
	}
	remote := newFakeStore(notes...)
	store := offline.Wrap(remote)
	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)

	uploader := newFakeUploader()
	uploader.failData["pixels-1"] = true
	uploader.failData["pixels-2"] = true
	uploader.failData["pixels-3"] = true
	uploader.urls["pixels-4"] = "https://cdn.example.com/4.png"
	uploader.urls["pixels-5"] = "https://cdn.example.com/5.png"

	engine := NewEngine(store, uploader, manual.New(), "u1", 2)
	require.NoError(t, engine.RunPass(ctx))

	assert.True(t, remote.get("n4").Synced)
	assert.True(t, remote.get("n5").Synced, "notes beyond the rewound cursor must be scanned")
	assert.Equal(t, []string{"https://cdn.example.com/5.png"}, remote.get("n5").Images)
	for _, id := range []string{"n1", "n2", "n3"} {
		assert.False(t, remote.get(id).Synced, "failed note %s stays unsynced", id)
	}
}

func TestRunStartsPassOnOfflineToOnlineTransition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	localRef := writeImage(t, dir, "a.png", "pixels-a")

	remote := newFakeStore(model.Note{
		ID:      "n1",
		OwnerID: "u1",
		Images:  []string{localRef},
	})
	store := offline.Wrap(remote)
	_, err := store.QueryNotes(ctx, "u1", registrystore.NoteFilter{}, 10, nil)
	require.NoError(t, err)

	uploader := newFakeUploader()
	uploader.urls["pixels-a"] = "https://cdn.example.com/a.png"

	monitor := manual.New()
	engine := NewEngine(store, uploader, monitor, "u1", 10)

	go engine.Run(ctx)

	monitor.SetConnected(false)
	monitor.SetConnected(true)

	require.Eventually(t, func() bool {
		return remote.get("n1").Synced
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"https://cdn.example.com/a.png"}, remote.get("n1").Images)

	// Staying online does not retrigger a pass.
	monitor.SetConnected(true)
}
