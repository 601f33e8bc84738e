// Package sync implements the offline image sync engine. On every
// offline-to-online transition it scans the owner's unsynced notes, uploads
// locally-referenced images, and rewrites the image lists with remote URLs.
package sync

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/chirino/notesync/internal/metrics"
	"github.com/chirino/notesync/internal/model"
	registryconnectivity "github.com/chirino/notesync/internal/registry/connectivity"
	registrystore "github.com/chirino/notesync/internal/registry/store"
	registryupload "github.com/chirino/notesync/internal/registry/upload"
)

// Engine drives image sync passes. Construct one per process with the
// dependencies it needs; it holds no globals.
type Engine struct {
	store    registrystore.NoteStore
	uploader registryupload.Uploader
	monitor  registryconnectivity.Monitor
	ownerID  string
	pageSize int

	online atomic.Bool
}

func NewEngine(store registrystore.NoteStore, uploader registryupload.Uploader, monitor registryconnectivity.Monitor, ownerID string, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = 10
	}
	e := &Engine{
		store:    store,
		uploader: uploader,
		monitor:  monitor,
		ownerID:  ownerID,
		pageSize: pageSize,
	}
	// Callers invoking RunPass directly are assumed online until the
	// monitor reports otherwise.
	e.online.Store(true)
	return e
}

// Run consumes connectivity events until the context is cancelled. Each
// offline-to-online transition starts a sync pass in its own goroutine; a
// new transition while a pass is still running starts another pass rather
// than waiting, so passes must tolerate interleaving (they do, because every
// write is keyed by note id).
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.monitor.Events():
			if !ok {
				return nil
			}
			wasOnline := e.online.Swap(ev.Connected)
			if ev.Connected && !wasOnline {
				log.Info("Connectivity restored, starting image sync pass")
				go func() {
					if err := e.RunPass(ctx); err != nil {
						log.Error("Image sync pass failed", "err", err)
					}
				}()
			}
		}
	}
}

// RunPass executes one scan-and-upload cycle. The store network is disabled
// for the duration so partial remote reads cannot race the filesystem pass;
// it is re-enabled on every exit path, flushing the buffered note updates.
func (e *Engine) RunPass(ctx context.Context) (err error) {
	e.store.DisableNetwork()
	defer func() {
		if enableErr := e.store.EnableNetwork(ctx); enableErr != nil {
			log.Error("Flushing buffered updates after sync pass failed", "err", enableErr)
			if err == nil {
				err = enableErr
			}
		}
		if metrics.SyncPassesTotal != nil {
			metrics.SyncPassesTotal.Inc()
		}
	}()

	notSynced := false
	filter := registrystore.NoteFilter{Synced: &notSynced}

	// Notes marked synced drop out of the filter set mid-pass, which can
	// rewind the cursor to the top. The seen set keeps each note to one
	// attempt per pass; a page full of already-seen notes is skipped over,
	// not treated as the end of the scan, so notes beyond the rewind point
	// still get their turn. The cursor only moves forward through a finite
	// set, so the loop terminates.
	seen := map[string]bool{}
	var cursor *string
	for {
		page, qerr := e.store.QueryNotes(ctx, e.ownerID, filter, e.pageSize, cursor)
		if qerr != nil {
			return &registrystore.QueryError{Op: "scan-unsynced-notes", Err: qerr}
		}
		for _, note := range page.Notes {
			if seen[note.ID] {
				continue
			}
			seen[note.ID] = true
			// A drop to offline stops new notes; uploads already issued
			// for the current note are not cancelled.
			if !e.online.Load() {
				log.Warn("Connectivity lost mid-pass, stopping scan", "noteId", note.ID)
				return nil
			}
			e.syncNote(ctx, note)
		}
		if page.NextCursor == nil || len(page.Notes) < e.pageSize {
			return nil
		}
		cursor = page.NextCursor
	}
}

// syncNote uploads the note's local images and rewrites its image list.
// A failed image keeps its original local reference and does not abort the
// rest of the note. The synced flag is set only when at least one image
// actually migrated this pass.
func (e *Engine) syncNote(ctx context.Context, note model.Note) {
	if !note.HasLocalImages() {
		return
	}

	images := make([]string, len(note.Images))
	migrated := 0
	for i, ref := range note.Images {
		if !model.IsLocalImage(ref) {
			images[i] = ref
			continue
		}
		remoteURL, err := e.uploadImage(ctx, ref)
		if err != nil {
			log.Error("Image upload failed, keeping local reference", "noteId", note.ID, "image", ref, "err", err)
			if metrics.ImageSyncFailuresTotal != nil {
				metrics.ImageSyncFailuresTotal.Inc()
			}
			images[i] = ref
			continue
		}
		images[i] = remoteURL
		migrated++
		if metrics.ImagesMigratedTotal != nil {
			metrics.ImagesMigratedTotal.Inc()
		}
	}

	if migrated == 0 {
		return
	}

	patch := registrystore.NotePatch{Images: &images}
	// One successful migration marks the note synced even if other images
	// failed this pass; the remaining local refs survive in the image list.
	synced := true
	patch.Synced = &synced

	if _, err := e.store.UpdateNote(ctx, e.ownerID, note.ID, patch); err != nil {
		log.Error("Writing back migrated image list failed", "noteId", note.ID, "err", err)
	}
}

// uploadImage reads the local file, base64-encodes it, and hands it to the
// upload client.
func (e *Engine) uploadImage(ctx context.Context, ref string) (string, error) {
	path := model.LocalImagePath(ref)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &registrystore.TransientIOError{Op: "read-image", Path: path, Err: err}
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	remoteURL, err := e.uploader.Upload(ctx, registryupload.Payload{
		Base64Data:  base64.StdEncoding.EncodeToString(data),
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("sync: upload %s: %w", ref, err)
	}
	return remoteURL, nil
}
